// Package sim is a deterministic in-process backend. Training output depends
// only on the block, its frames, the coarse base and the iteration count, so
// a resumed run reproduces an uninterrupted one exactly. Failures can be
// injected per block or per view.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// Failure describes injected misbehaviour for one block.
type Failure struct {
	// Transient fails the first N invocations with a TransientError.
	Transient int
	// Permanent fails every invocation with a PermanentError.
	Permanent bool
	// Hang blocks until the context is done.
	Hang bool
}

// Trainer is a simulated trainer.
type Trainer struct {
	Iterations      int
	CheckpointEvery int
	Primitives      int
	StepDelay       time.Duration

	mu       sync.Mutex
	failures map[string]Failure
	calls    map[string]int
	active   int
	peak     int
}

// NewTrainer returns a trainer with 30 iterations, a checkpoint every 10 and
// 64 primitives per block.
func NewTrainer() *Trainer {
	return &Trainer{
		Iterations:      30,
		CheckpointEvery: 10,
		Primitives:      64,
		failures:        make(map[string]Failure),
		calls:           make(map[string]int),
	}
}

// Inject registers a failure for block id.
func (t *Trainer) Inject(id string, f Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[id] = f
}

// Calls returns how many times id has been trained.
func (t *Trainer) Calls(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

// Peak returns the largest number of concurrent Train calls observed.
func (t *Trainer) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

func (t *Trainer) enter(id string) (Failure, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[id]++
	t.active++
	if t.active > t.peak {
		t.peak = t.active
	}
	return t.failures[id], t.calls[id]
}

func (t *Trainer) leave() {
	t.mu.Lock()
	t.active--
	t.mu.Unlock()
}

// Train runs the simulated optimisation for req.Block.
func (t *Trainer) Train(ctx context.Context, req capability.TrainRequest) (*scene.BlockModel, error) {
	id := req.Block.ID
	fail, call := t.enter(id)
	defer t.leave()

	switch {
	case fail.Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case fail.Permanent:
		return nil, capability.Permanentf("sim: block %s: injected permanent failure", id)
	case call <= fail.Transient:
		return nil, capability.Transientf("sim: block %s: injected transient failure %d/%d", id, call, fail.Transient)
	}

	seed := seedFor(req)
	iter, state := 0, seed
	if req.Resume != "" {
		var err error
		iter, state, err = parseHandle(id, req.Resume)
		if err != nil {
			return nil, capability.Permanent(err)
		}
	}

	for iter < t.Iterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.StepDelay):
			}
		}
		state = step(state, iter)
		iter++
		if t.CheckpointEvery > 0 && iter%t.CheckpointEvery == 0 && iter < t.Iterations {
			// Reporting errors are advisory; training carries on.
			_ = req.ReportCheckpoint(formatHandle(id, iter, state))
		}
	}

	m := &scene.BlockModel{
		BlockID:    id,
		Region:     req.Block.Core,
		Extended:   req.Block.Extended,
		Iterations: iter,
		Primitives: t.primitives(req.Block.Extended, seed, state, id),
		Payload:    []byte(fmt.Sprintf("sim:%016x", state)),
	}
	if err := m.Seal(); err != nil {
		return nil, capability.Permanent(err)
	}
	return m, nil
}

func (t *Trainer) primitives(r scene.Region, seed, state uint64, source string) []scene.Primitive {
	rng := rand.New(rand.NewPCG(seed, state))
	out := make([]scene.Primitive, t.Primitives)
	for i := range out {
		out[i] = scene.Primitive{
			X:        r.MinX + rng.Float64()*r.Width(),
			Y:        r.MinY + rng.Float64()*r.Height(),
			Z:        rng.Float64() * 30,
			Opacity:  0.1 + 0.9*rng.Float64(),
			Features: []float64{rng.Float64(), rng.Float64(), rng.Float64()},
			Source:   source,
		}
	}
	scene.SortPrimitives(out)
	return out
}

func seedFor(req capability.TrainRequest) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%v|%v", req.Block.ID, req.Block.Core, req.Block.Extended)
	for _, f := range req.Frames {
		fmt.Fprintf(h, "|%s", f.ID)
	}
	if req.Base != nil {
		fmt.Fprintf(h, "|base:%s", req.Base.Checksum)
	}
	return h.Sum64()
}

// step is one splitmix64 round keyed by the iteration.
func step(state uint64, iter int) uint64 {
	z := state + 0x9e3779b97f4a7c15 + uint64(iter)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func formatHandle(id string, iter int, state uint64) scene.Checkpoint {
	return scene.Checkpoint(fmt.Sprintf("sim/%s/%d/%016x", id, iter, state))
}

func parseHandle(id string, h scene.Checkpoint) (int, uint64, error) {
	parts := strings.Split(string(h), "/")
	if len(parts) != 4 || parts[0] != "sim" {
		return 0, 0, fmt.Errorf("sim: malformed checkpoint %q", h)
	}
	if parts[1] != id {
		return 0, 0, fmt.Errorf("sim: checkpoint %q belongs to block %s", h, parts[1])
	}
	iter, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("sim: checkpoint %q: %w", h, err)
	}
	state, err := strconv.ParseUint(parts[3], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sim: checkpoint %q: %w", h, err)
	}
	return iter, state, nil
}
