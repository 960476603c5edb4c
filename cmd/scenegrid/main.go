// Command scenegrid partitions a captured scene into blocks, trains them in
// parallel, merges the block models and evaluates the result.
//
//	scenegrid -scene scene.yaml -grid 4x4 -overlap 5% -devices 2 -views views.yaml -out runs/city
//	scenegrid migrate [-out runs/city] up|down|version|force N
//	scenegrid serve-capability [-listen :7070]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/scenegrid/internal/capability/remote"
	"github.com/banshee-data/scenegrid/internal/capability/sim"
	"github.com/banshee-data/scenegrid/internal/config"
	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/orchestrator"
	"github.com/banshee-data/scenegrid/internal/version"
)

// Exit codes.
const (
	exitOK    = 0
	exitPhase = 1
	exitUsage = 2
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return runMigrate(args[1:], stdout, stderr)
		case "serve-capability":
			return runServeCapability(args[1:], stderr)
		}
	}

	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "scenegrid: %v\n", err)
		return exitUsage
	}
	if opts.version {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := orchestrator.Run(ctx, orchestrator.Options{Config: opts.cfg})
	if sum != nil {
		printSummary(stdout, sum)
	}
	if err != nil {
		log.Printf("run failed: %v", err)
		return exitPhase
	}
	return exitOK
}

type cliOptions struct {
	cfg     *config.RunConfig
	version bool
}

// parseFlags builds the run configuration: the -config file (if any) with
// every explicitly set flag laid over it.
func parseFlags(args []string, stderr io.Writer) (*cliOptions, error) {
	fs := flag.NewFlagSet("scenegrid", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath      = fs.String("config", "", "Run configuration file (.json, .yaml or .toml)")
		scenePath       = fs.String("scene", "", "Scene descriptor (YAML)")
		viewsPath       = fs.String("views", "", "Test-view descriptor (YAML)")
		out             = fs.String("out", "run", "Run directory")
		grid            = fs.String("grid", "", "Block grid as RxC, e.g. 4x4")
		blocks          = fs.Int("blocks", 4, "Block count when no grid is given")
		overlap         = fs.String("overlap", "5%", "Overlap margin: a percentage of the cell or a distance")
		devices         = fs.String("devices", "", "Device count or comma-separated device names")
		concurrency     = fs.Int("concurrency", 0, "Maximum concurrent training jobs (0 = one per device)")
		selector        = fs.String("block", "", "Comma-separated block IDs to train (default all)")
		retries         = fs.Int("retries", 3, "Retries for transient training failures")
		retryBackoff    = fs.Duration("retry-backoff", 0, "Delay before the first retry")
		jobTimeout      = fs.Duration("job-timeout", 0, "Per-invocation training timeout (0 = none)")
		leaseTTL        = fs.Duration("lease-ttl", 0, "Age after which a running lease without heartbeats is recovered (0 = default)")
		coarse          = fs.Bool("coarse", false, "Run a scene-wide coarse pass before the blocks")
		skipTrain       = fs.Bool("skip-train", false, "Reuse stored block models")
		skipMerge       = fs.Bool("skip-merge", false, "Reuse the latest global model")
		skipEval        = fs.Bool("skip-eval", false, "Skip evaluation")
		partial         = fs.Bool("partial", false, "Merge even when blocks are missing")
		minCompleted    = fs.Float64("min-completed", 0, "Minimum completed share for a partial merge")
		strategy        = fs.String("strategy", "core-precedence", "Merge strategy")
		blendCell       = fs.Float64("blend-cell", 1.0, "Bucket size for the blend strategy")
		evalTimeout     = fs.Duration("eval-timeout", 0, "Per-view render and score timeout")
		evalConcurrency = fs.Int("eval-concurrency", 4, "Views evaluated at once")
		maxFailureRate  = fs.Float64("max-failure-rate", 0.2, "Share of views that may fail before evaluation aborts")
		backend         = fs.String("backend", config.BackendSim, "Capability backend: sim, exec or grpc")
		grpcAddr        = fs.String("grpc-address", "", "Capability server address for -backend grpc")
		admin           = fs.String("admin", "", "Listen address of the admin debug server (empty disables)")
		showVersion     = fs.Bool("version", false, "Print the version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if *showVersion {
		return &cliOptions{version: true}, nil
	}

	cfg := &config.RunConfig{}
	if *configPath != "" {
		loaded, err := config.LoadRunConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overlay := &config.RunConfig{}
	var visitErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "scene":
			overlay.Scene = scenePath
		case "views":
			overlay.Views = viewsPath
		case "out":
			overlay.Out = out
		case "grid":
			overlay.Grid = grid
		case "blocks":
			overlay.Blocks = blocks
		case "overlap":
			overlay.Overlap = overlap
		case "devices":
			d, err := parseDevices(*devices)
			if err != nil {
				visitErr = err
			}
			overlay.Devices = d
		case "concurrency":
			overlay.Concurrency = concurrency
		case "block":
			overlay.Select = splitList(*selector)
		case "retries":
			overlay.Retries = retries
		case "retry-backoff":
			overlay.RetryBackoff = config.Ptr(retryBackoff.String())
		case "job-timeout":
			overlay.JobTimeout = config.Ptr(jobTimeout.String())
		case "lease-ttl":
			overlay.LeaseTTL = config.Ptr(leaseTTL.String())
		case "coarse":
			overlay.Coarse = coarse
		case "skip-train":
			overlay.SkipTrain = skipTrain
		case "skip-merge":
			overlay.SkipMerge = skipMerge
		case "skip-eval":
			overlay.SkipEval = skipEval
		case "partial":
			overlay.Partial = partial
		case "min-completed":
			overlay.MinCompletedFraction = minCompleted
		case "strategy":
			overlay.Strategy = strategy
		case "blend-cell":
			overlay.BlendCell = blendCell
		case "eval-timeout":
			overlay.EvalTimeout = config.Ptr(evalTimeout.String())
		case "eval-concurrency":
			overlay.EvalConcurrency = evalConcurrency
		case "max-failure-rate":
			overlay.MaxFailureRate = maxFailureRate
		case "backend":
			overlay.Backend = backend
		case "grpc-address":
			overlay.GRPC = &config.GRPCConfig{Address: *grpcAddr}
		case "admin":
			overlay.Admin = admin
		}
	})
	if visitErr != nil {
		return nil, visitErr
	}
	cfg.Overlay(overlay)

	if cfg.GetScene() == "" {
		return nil, errors.New("-scene is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cliOptions{cfg: cfg}, nil
}

// parseDevices accepts a device count ("2" -> gpu0, gpu1) or a list of
// names ("cuda:0,cuda:1").
func parseDevices(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return nil, fmt.Errorf("invalid device count %d", n)
		}
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("gpu%d", i)
		}
		return out, nil
	}
	return splitList(s), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSummary(w io.Writer, s *orchestrator.Summary) {
	fmt.Fprintf(w, "run %s: %s\n", s.RunID, s.Status)
	fmt.Fprintf(w, "blocks: %d completed, %d failed", len(s.Completed), len(s.Failed))
	if len(s.Failed) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(s.Failed, ", "))
	}
	fmt.Fprintln(w)
	if s.ModelID != "" {
		state := "complete"
		if !s.Complete {
			state = "incomplete, missing " + strings.Join(s.MissingBlocks, ", ")
		}
		fmt.Fprintf(w, "global model: %s (%s)\n", s.ModelID, state)
	}
	if s.Views > 0 {
		fmt.Fprintf(w, "views: %d evaluated, %d excluded\n", s.Views-s.Excluded, s.Excluded)
		names := make([]string, 0, len(s.Aggregate))
		for name := range s.Aggregate {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := s.Aggregate[name]
			fmt.Fprintf(w, "  %-6s mean %.4f  std %.4f  min %.4f  max %.4f\n", name, a.Mean, a.StdDev, a.Min, a.Max)
		}
		if s.Timing != nil && s.Timing.Views > 0 {
			fmt.Fprintf(w, "  render mean %.3fs, max %.3fs, %.1f fps\n", s.Timing.MeanRenderSeconds, s.Timing.MaxRenderSeconds, s.Timing.MeanFPS)
		}
	}
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scenegrid migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "run", "Run directory holding "+db.FileName)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: scenegrid migrate [-out dir] up|down|version|force N")
		return exitUsage
	}

	database, err := db.OpenRaw(filepath.Join(*out, db.FileName))
	if err != nil {
		log.Printf("open database: %v", err)
		return exitPhase
	}
	defer database.Close()

	switch cmd := fs.Arg(0); cmd {
	case "up":
		err = database.MigrateUp()
	case "down":
		err = database.MigrateDown()
	case "version":
		var v uint
		var dirty bool
		v, dirty, err = database.MigrateVersion()
		if err == nil {
			fmt.Fprintf(stdout, "version %d (dirty=%v)\n", v, dirty)
		}
	case "force":
		if fs.NArg() != 2 {
			fmt.Fprintln(stderr, "usage: scenegrid migrate force N")
			return exitUsage
		}
		v, convErr := strconv.Atoi(fs.Arg(1))
		if convErr != nil {
			fmt.Fprintf(stderr, "invalid version %q\n", fs.Arg(1))
			return exitUsage
		}
		err = database.MigrateForce(v)
	default:
		fmt.Fprintf(stderr, "unknown migrate command %q\n", cmd)
		return exitUsage
	}
	if err != nil {
		log.Printf("migrate %s: %v", fs.Arg(0), err)
		return exitPhase
	}
	return exitOK
}

// runServeCapability exposes the simulated backend over gRPC, for driving
// a run with -backend grpc without real trainers.
func runServeCapability(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("scenegrid serve-capability", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", ":7070", "gRPC listen address")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Printf("listen %s: %v", *listen, err)
		return exitPhase
	}
	server := remote.NewGRPCServer(sim.NewBackend())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Print("shutting down capability server...")
		server.GracefulStop()
	}()

	log.Printf("capability server listening on %s", lis.Addr())
	if err := server.Serve(lis); err != nil {
		log.Printf("capability server: %v", err)
		return exitPhase
	}
	return exitOK
}
