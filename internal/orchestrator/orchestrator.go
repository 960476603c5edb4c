// Package orchestrator drives one end-to-end run: partition the scene,
// train every block, merge the block models and evaluate the result. Each
// phase reads and writes the run directory through the block store, so a
// later run can resume or skip phases.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/config"
	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/eval"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/merge"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/report"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/scheduler"
	"github.com/banshee-data/scenegrid/internal/timeutil"
	"github.com/banshee-data/scenegrid/internal/version"
)

var logger = monitoring.Component("orchestrator")

// SummaryFile is the run summary, relative to the run directory.
const SummaryFile = "summary.json"

// Phases.
const (
	PhaseLoad      = "load"
	PhasePartition = "partition"
	PhaseTrain     = "train"
	PhaseMerge     = "merge"
	PhaseEval      = "eval"
	PhaseReport    = "report"
	PhaseAdmin     = "admin"
)

// PhaseError reports the phase that stopped a run.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }

func (e *PhaseError) Unwrap() error { return e.Err }

// Options configures Run. Only Config is required.
type Options struct {
	Config *config.RunConfig
	// Backend replaces the backend named in Config.
	Backend *capability.Backend
	Clock   timeutil.Clock
}

// Summary is written to summary.json and stored with the run record.
type Summary struct {
	RunID         string                  `json:"run_id"`
	Version       string                  `json:"version"`
	Scene         string                  `json:"scene"`
	Backend       string                  `json:"backend"`
	Status        string                  `json:"status"`
	Error         string                  `json:"error,omitempty"`
	Blocks        int                     `json:"blocks"`
	Completed     []string                `json:"completed"`
	Failed        []string                `json:"failed,omitempty"`
	Recovered     []string                `json:"recovered,omitempty"`
	PeakRunning   int                     `json:"peak_running"`
	Retries       int                     `json:"retries"`
	ModelID       string                  `json:"model_id,omitempty"`
	Complete      bool                    `json:"complete"`
	MissingBlocks []string                `json:"missing_blocks,omitempty"`
	Views         int                     `json:"views"`
	Excluded      int                     `json:"excluded"`
	Aggregate     map[string]eval.Summary `json:"aggregate,omitempty"`
	Timing        *eval.Timing            `json:"timing,omitempty"`
	Artifacts     []string                `json:"artifacts,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	Duration      time.Duration           `json:"duration_ns"`
}

// run carries the state shared between phases.
type run struct {
	cfg     *config.RunConfig
	clock   timeutil.Clock
	fs      fsutil.FileSystem
	out     string
	store   *blockstore.Store
	backend capability.Backend

	scene  *scene.Scene
	views  []scene.TestView
	blocks []scene.Block

	outcome *scheduler.Outcome
	model   *scene.GlobalModel
	eval    *eval.Report
	summary *Summary
}

// Run executes one orchestrator run. The summary is returned even when a
// phase fails; the error is then a *PhaseError.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.RunConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	r := &run{cfg: cfg, clock: clock, fs: fsutil.OSFileSystem{}, out: cfg.GetOut()}
	if err := r.load(); err != nil {
		return nil, &PhaseError{Phase: PhaseLoad, Err: err}
	}
	if err := os.MkdirAll(r.out, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	database, err := db.OpenInDir(r.out)
	if err != nil {
		return nil, err
	}
	defer database.Close()
	r.store = blockstore.New(database, r.fs, r.out)
	r.store.SetClock(clock)

	backend, closeBackend, err := newBackend(cfg, opts.Backend, r.out)
	if err != nil {
		return nil, err
	}
	defer closeBackend()
	r.backend = backend

	runID, err := r.store.BeginRun(ctx, r.scene.Name, cfg)
	if err != nil {
		return nil, err
	}
	r.summary = &Summary{
		RunID:     runID,
		Version:   version.Version,
		Scene:     r.scene.Name,
		Backend:   backend.Name,
		StartedAt: clock.Now().UTC(),
	}
	logger.Printf("run %s: scene %q, backend %s, out %s", runID, r.scene.Name, backend.Name, r.out)

	// Finalise with a context that survives cancellation so the run record
	// and summary always land.
	final := context.WithoutCancel(ctx)

	var ln net.Listener
	if addr := cfg.GetAdmin(); addr != "" {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			runErr := &PhaseError{Phase: PhaseAdmin, Err: fmt.Errorf("listen on %s: %w", addr, err)}
			if ferr := r.finish(final, runErr); ferr != nil {
				logger.Printf("run %s: recording failure: %v", runID, ferr)
			}
			return r.summary, runErr
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopAdmin := context.WithCancel(gctx)
	if ln != nil {
		g.Go(func() error {
			if err := serveAdmin(runCtx, database, r.store, ln); err != nil {
				return &PhaseError{Phase: PhaseAdmin, Err: err}
			}
			return nil
		})
	}
	var runErr error
	g.Go(func() error {
		defer stopAdmin()
		runErr = r.phases(runCtx)
		return nil
	})
	waitErr := g.Wait()
	stopAdmin()
	// A failing admin server cancels the phases; report its error rather
	// than the cancellation it caused.
	if waitErr != nil && (runErr == nil || (isCancellation(runErr) && ctx.Err() == nil)) {
		runErr = waitErr
	}

	if err := r.finish(final, runErr); err != nil && runErr == nil {
		runErr = err
	}
	return r.summary, runErr
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *run) load() error {
	sc, err := scene.LoadScene(r.cfg.GetScene())
	if err != nil {
		return err
	}
	r.scene = sc
	if r.cfg.GetSkipEval() {
		return nil
	}
	if r.cfg.GetViews() == "" {
		return errors.New("test views are required unless evaluation is skipped")
	}
	views, err := scene.LoadTestViews(r.cfg.GetViews())
	if err != nil {
		return err
	}
	r.views = views
	return nil
}

// phases runs partition, training, merge, evaluation and reports in order.
func (r *run) phases(ctx context.Context) error {
	if err := r.partition(ctx); err != nil {
		return &PhaseError{Phase: PhasePartition, Err: err}
	}
	if err := r.train(ctx); err != nil {
		return &PhaseError{Phase: PhaseTrain, Err: err}
	}
	if err := r.merge(ctx); err != nil {
		return &PhaseError{Phase: PhaseMerge, Err: err}
	}
	evalErr := r.evaluate(ctx)
	if evalErr != nil && r.eval == nil {
		return &PhaseError{Phase: PhaseEval, Err: evalErr}
	}
	// An aborted evaluation still gets its reports.
	if err := r.reports(ctx); err != nil {
		return &PhaseError{Phase: PhaseReport, Err: err}
	}
	if evalErr != nil {
		return &PhaseError{Phase: PhaseEval, Err: evalErr}
	}
	return nil
}

func (r *run) partition(ctx context.Context) error {
	blocks, err := partition.Partition(r.scene, partition.Options{
		Grid:            r.cfg.GetGrid(),
		BlockCount:      r.cfg.GetBlocks(),
		Overlap:         r.cfg.GetOverlap(),
		AspectTolerance: r.cfg.GetAspectTolerance(),
	})
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := r.store.Register(ctx, b); err != nil {
			return fmt.Errorf("register block %s: %w", b.ID, err)
		}
	}
	r.blocks = blocks
	r.summary.Blocks = len(blocks)
	return nil
}

func (r *run) train(ctx context.Context) error {
	s := scheduler.New(r.store, r.backend.Trainer, scheduler.Config{
		Devices:      r.cfg.Devices,
		Concurrency:  r.cfg.GetConcurrency(),
		MaxRetries:   r.cfg.GetRetries(),
		JobTimeout:   r.cfg.GetJobTimeout(),
		RetryBackoff: r.cfg.GetRetryBackoff(),
		LeaseTTL:     r.cfg.GetLeaseTTL(),
		SkipTraining: r.cfg.GetSkipTrain(),
		Coarse:       r.cfg.GetCoarse(),
		Selector:     r.cfg.Select,
		RunID:        r.summary.RunID,
		Clock:        r.clock,
	})
	outcome, err := s.Run(ctx, scheduler.Plan{Scene: r.scene, Blocks: r.blocks})
	stats := s.Stats()
	r.summary.PeakRunning = stats.PeakRunning
	r.summary.Retries = stats.Retries
	if outcome != nil {
		r.outcome = outcome
		r.summary.Completed = outcome.Completed()
		r.summary.Failed = outcome.Failed()
		r.summary.Recovered = outcome.Recovered
	}
	if err != nil {
		return err
	}
	logger.Printf("training: %d completed, %d failed, peak %d running",
		len(r.summary.Completed), len(r.summary.Failed), stats.PeakRunning)
	return nil
}

func (r *run) merge(ctx context.Context) error {
	if r.cfg.GetSkipMerge() {
		g, err := r.store.LatestGlobalModel(ctx)
		if err != nil {
			return fmt.Errorf("skip merge: %w", err)
		}
		r.setModel(g)
		logger.Printf("skip merge: reusing global model %s", g.ID)
		return nil
	}

	models, err := r.store.ListCompleted(ctx)
	if err != nil {
		return err
	}
	var base *scene.BlockModel
	if r.outcome != nil {
		base = r.outcome.Coarse
	}
	g, err := merge.Merge(ctx, merge.Input{
		Scene:                r.scene.Name,
		Bounds:               r.scene.Bounds,
		Blocks:               r.blocks,
		Models:               models,
		Base:                 base,
		Partial:              r.cfg.GetPartial(),
		MinCompletedFraction: r.cfg.GetMinCompletedFraction(),
		Strategy:             r.cfg.GetStrategy(),
		BlendCell:            r.cfg.GetBlendCell(),
	})
	if err != nil {
		return err
	}
	if _, err := r.store.PutGlobalModel(ctx, r.summary.RunID, g); err != nil {
		return err
	}
	r.setModel(g)
	return nil
}

func (r *run) setModel(g *scene.GlobalModel) {
	r.model = g
	r.summary.ModelID = g.ID
	r.summary.Complete = g.Complete
	r.summary.MissingBlocks = g.MissingBlocks
}

// evaluate leaves r.eval set whenever a report exists, including when the
// failure rate aborted the evaluation.
func (r *run) evaluate(ctx context.Context) error {
	if r.cfg.GetSkipEval() {
		logger.Printf("evaluation skipped")
		return nil
	}
	e := eval.New(r.backend.Renderer, r.backend.Scorer, eval.Config{
		Concurrency:    r.cfg.GetEvalConcurrency(),
		Timeout:        r.cfg.GetEvalTimeout(),
		MaxFailureRate: r.cfg.GetMaxFailureRate(),
		Clock:          r.clock,
		FS:             r.fs,
	})
	rep, err := e.Evaluate(ctx, r.model, r.views)
	if rep == nil {
		return err
	}
	r.eval = rep
	r.summary.Views = rep.Total
	r.summary.Excluded = len(rep.Excluded)
	r.summary.Aggregate = rep.Aggregate
	timing := rep.Timing
	r.summary.Timing = &timing

	if storeErr := r.store.AppendMetrics(context.WithoutCancel(ctx), r.summary.RunID, rep.ModelID, metricRecords(rep)); storeErr != nil {
		return errors.Join(err, storeErr)
	}
	return err
}

func metricRecords(rep *eval.Report) []blockstore.MetricRecord {
	records := make([]blockstore.MetricRecord, 0, len(rep.Results)+len(rep.Excluded))
	for _, res := range rep.Results {
		records = append(records, blockstore.MetricRecord{ViewID: res.ViewID, Values: res.Values, RenderTime: res.RenderTime})
	}
	for _, x := range rep.Excluded {
		records = append(records, blockstore.MetricRecord{ViewID: x.ViewID, Excluded: true, Stage: x.Stage, Cause: x.Cause})
	}
	return records
}

func (r *run) reports(ctx context.Context) error {
	jobs, err := r.store.Jobs(ctx)
	if err != nil {
		return err
	}
	written, err := report.NewWriter(r.fs, r.out).WriteAll(report.Input{
		RunID:  r.summary.RunID,
		Scene:  r.scene.Name,
		Blocks: r.blocks,
		Jobs:   jobs,
		Model:  r.model,
		Eval:   r.eval,
	})
	r.summary.Artifacts = append(r.summary.Artifacts, written...)
	return err
}

// finish writes summary.json and closes the run record.
func (r *run) finish(ctx context.Context, runErr error) error {
	status := blockstore.RunSucceeded
	switch {
	case isCancellation(runErr):
		status = blockstore.RunCancelled
	case runErr != nil:
		status = blockstore.RunFailed
	}
	r.summary.Status = status
	if runErr != nil {
		r.summary.Error = runErr.Error()
	}
	r.summary.Duration = r.clock.Since(r.summary.StartedAt)

	path := filepath.Join(r.out, SummaryFile)
	r.summary.Artifacts = append(r.summary.Artifacts, path)
	data, err := json.MarshalIndent(r.summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.fs, path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := r.store.FinishRun(ctx, r.summary.RunID, status, r.summary); err != nil {
		return err
	}
	logger.Printf("run %s %s in %s", r.summary.RunID, status, r.summary.Duration.Round(time.Millisecond))
	return nil
}
