package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/capability/execbackend"
	"github.com/banshee-data/scenegrid/internal/capability/remote"
	"github.com/banshee-data/scenegrid/internal/capability/sim"
	"github.com/banshee-data/scenegrid/internal/config"
)

// newBackend resolves the capability backend for a run. The returned close
// function releases any connection and is always safe to call.
func newBackend(cfg *config.RunConfig, override *capability.Backend, out string) (capability.Backend, func(), error) {
	noop := func() {}
	if override != nil {
		return *override, noop, nil
	}
	switch name := cfg.GetBackend(); name {
	case config.BackendSim:
		return sim.NewBackend(), noop, nil
	case config.BackendExec:
		ec := *cfg.Exec
		if ec.WorkDir == "" {
			ec.WorkDir = filepath.Join(out, "work")
		}
		b, err := execbackend.NewBackend(ec)
		if err != nil {
			return capability.Backend{}, noop, err
		}
		return b, noop, nil
	case config.BackendGRPC:
		client, conn, err := remote.Dial(cfg.GRPC.Address)
		if err != nil {
			return capability.Backend{}, noop, fmt.Errorf("dial capability server %s: %w", cfg.GRPC.Address, err)
		}
		return client.Backend(), func() {
			if err := conn.Close(); err != nil {
				logger.Printf("close capability connection: %v", err)
			}
		}, nil
	default:
		return capability.Backend{}, noop, fmt.Errorf("unknown backend %q", name)
	}
}
