// Package scheduler drives per-block training jobs through the block store
// under a bounded device pool. Jobs run on worker goroutines fed over a
// channel; outcomes come back on a result channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/timeutil"
)

var logger = monitoring.Component("scheduler")

// DefaultMaxRetries is the retry budget for transient failures.
const DefaultMaxRetries = 3

// DefaultLeaseTTL is how long a running lease survives without a heartbeat
// before another run may recover it.
const DefaultLeaseTTL = time.Minute

// JobStore is the subset of the block store the scheduler drives.
type JobStore interface {
	Register(ctx context.Context, b scene.Block) error
	GetState(ctx context.Context, id string) (*scene.TrainingJob, error)
	SetState(ctx context.Context, id string, to scene.JobState, tr blockstore.Transition) (*scene.TrainingJob, error)
	PutCheckpoint(ctx context.Context, id string, handle scene.Checkpoint) error
	Heartbeat(ctx context.Context, id, owner string) error
	PutModel(ctx context.Context, id string, m *scene.BlockModel) error
	GetModel(ctx context.Context, id string) (*scene.BlockModel, error)
	RecoverStale(ctx context.Context, owner string, ttl time.Duration) ([]string, error)
}

// Config controls one scheduling phase.
type Config struct {
	// Devices is the device pool. Each worker owns one device; with no
	// devices, Concurrency anonymous slots are used.
	Devices []string
	// Concurrency caps simultaneous jobs. Zero means one per device.
	Concurrency int
	// MaxRetries is the number of extra attempts after a transient failure.
	// Zero disables retries.
	MaxRetries int
	// JobTimeout bounds one trainer invocation; expiry counts as transient.
	JobTimeout time.Duration
	// RetryBackoff is the wait before the first retry, doubled each time.
	RetryBackoff time.Duration
	// SkipTraining reuses completed models instead of training.
	SkipTraining bool
	// Coarse runs a global pass before any block job.
	Coarse bool
	// Selector restricts the phase to these block IDs. Failed jobs named
	// here are re-run.
	Selector []string
	// RunID owns the running leases taken by this phase.
	RunID string
	// LeaseTTL is the heartbeat age after which another run's lease is
	// treated as abandoned. Zero uses DefaultLeaseTTL.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often a training worker refreshes its lease.
	// Zero uses a third of LeaseTTL.
	HeartbeatInterval time.Duration
	Clock timeutil.Clock
}

// Limit is the effective number of workers.
func (c Config) Limit() int {
	n := len(c.Devices)
	switch {
	case n == 0 && c.Concurrency > 0:
		return c.Concurrency
	case n == 0:
		return 1
	case c.Concurrency > 0 && c.Concurrency < n:
		return c.Concurrency
	}
	return n
}

// Plan is the work for one phase.
type Plan struct {
	Scene  *scene.Scene
	Blocks []scene.Block
}

// JobResult is the final state of one job after the phase.
type JobResult struct {
	BlockID  string         `json:"block_id"`
	State    scene.JobState `json:"state"`
	Attempts int            `json:"attempts"`
	Cause    string         `json:"cause,omitempty"`
	// Trained is false when an existing model was reused.
	Trained  bool          `json:"trained"`
	Duration time.Duration `json:"duration_ns"`
}

// Outcome summarises a phase.
type Outcome struct {
	Results   []JobResult       `json:"results"`
	Coarse    *scene.BlockModel `json:"-"`
	Recovered []string          `json:"recovered,omitempty"`
	// Selected lists the block IDs the phase covered, in ID order.
	Selected []string `json:"selected"`
}

// IDs returns the block IDs whose result is in state st.
func (o *Outcome) IDs(st scene.JobState) []string {
	var ids []string
	for _, r := range o.Results {
		if r.State == st && r.BlockID != scene.CoarseJobID {
			ids = append(ids, r.BlockID)
		}
	}
	return ids
}

// Completed returns the IDs of completed blocks.
func (o *Outcome) Completed() []string { return o.IDs(scene.JobCompleted) }

// Failed returns the IDs of failed blocks.
func (o *Outcome) Failed() []string { return o.IDs(scene.JobFailed) }

// Stats are counters observed during the last Run.
type Stats struct {
	PeakRunning int
	Dispatched  int
	Retries     int
}

// Scheduler runs training phases.
type Scheduler struct {
	store   JobStore
	trainer capability.Trainer
	cfg     Config

	mu      sync.Mutex
	running int
	stats   Stats
}

// New returns a scheduler. A nil Clock uses the real clock.
func New(store JobStore, trainer capability.Trainer, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	return &Scheduler{store: store, trainer: trainer, cfg: cfg}
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// task is one job handed to a worker.
type task struct {
	block  scene.Block
	frames []scene.Frame
	base   *scene.BlockModel
}

// Run executes a phase. Per-block failures are recorded in the Outcome;
// the error is reserved for phase-level failures: a failed coarse pass,
// missing artifacts in skip mode, unknown selector IDs, store errors and
// cancellation. On cancellation the partial Outcome is returned with
// ctx.Err().
func (s *Scheduler) Run(ctx context.Context, plan Plan) (*Outcome, error) {
	s.mu.Lock()
	s.stats = Stats{}
	s.mu.Unlock()

	selected, unknown := partition.Select(plan.Blocks, s.cfg.Selector)
	if len(unknown) > 0 {
		return nil, &UnknownBlocksError{IDs: unknown}
	}
	out := &Outcome{}
	for _, b := range selected {
		out.Selected = append(out.Selected, b.ID)
	}

	if s.cfg.SkipTraining {
		return s.reuse(ctx, plan, selected, out)
	}

	recovered, err := s.store.RecoverStale(ctx, s.cfg.RunID, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}
	out.Recovered = recovered

	if s.cfg.Coarse {
		base, res, err := s.coarse(ctx, plan)
		if res != nil {
			out.Results = append(out.Results, *res)
		}
		if err != nil {
			return out, err
		}
		out.Coarse = base
	}

	var tasks []task
	for _, b := range selected {
		job, err := s.store.GetState(ctx, b.ID)
		if err != nil {
			return out, fmt.Errorf("block %s: %w", b.ID, err)
		}
		switch job.State {
		case scene.JobCompleted:
			out.Results = append(out.Results, JobResult{BlockID: b.ID, State: job.State, Attempts: job.Attempts})
			continue
		case scene.JobRunning:
			// Survived recovery, so another run holds a live lease.
			logger.Printf("block %s: lease held by %s, not scheduling", b.ID, job.Owner)
			out.Results = append(out.Results, JobResult{
				BlockID: b.ID, State: job.State, Attempts: job.Attempts,
				Cause: fmt.Sprintf("lease held by %s", job.Owner),
			})
			continue
		case scene.JobFailed:
			if !slices.Contains(s.cfg.Selector, b.ID) {
				out.Results = append(out.Results, JobResult{BlockID: b.ID, State: job.State, Attempts: job.Attempts, Cause: job.Cause})
				continue
			}
			if _, err := s.store.SetState(ctx, b.ID, scene.JobPending, blockstore.Transition{Cause: "re-run requested"}); err != nil {
				return out, fmt.Errorf("re-run block %s: %w", b.ID, err)
			}
			logger.Printf("block %s: re-running failed job", b.ID)
		}
		tasks = append(tasks, task{block: b, frames: framesFor(plan.Scene, b), base: out.Coarse})
	}

	results, err := s.dispatch(ctx, tasks)
	out.Results = append(out.Results, results...)
	sortResults(out.Results)
	return out, err
}

// reuse implements skip mode: every selected block (and the coarse job when
// enabled) must already have a completed model.
func (s *Scheduler) reuse(ctx context.Context, plan Plan, selected []scene.Block, out *Outcome) (*Outcome, error) {
	ids := make([]string, 0, len(selected)+1)
	if s.cfg.Coarse {
		ids = append(ids, scene.CoarseJobID)
	}
	for _, b := range selected {
		ids = append(ids, b.ID)
	}
	var missing []string
	for _, id := range ids {
		job, err := s.store.GetState(ctx, id)
		if errors.Is(err, blockstore.ErrNotFound) || (err == nil && job.State != scene.JobCompleted) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := s.store.GetModel(ctx, id)
		if errors.Is(err, blockstore.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", id, err)
		}
		if id == scene.CoarseJobID {
			out.Coarse = m
		}
		out.Results = append(out.Results, JobResult{BlockID: id, State: job.State, Attempts: job.Attempts})
	}
	if len(missing) > 0 {
		return nil, &MissingArtifactError{IDs: missing}
	}
	sortResults(out.Results)
	logger.Printf("skip training: reusing %d stored models", len(out.Results))
	return out, nil
}

// coarse runs the global pass through the pool and waits for it.
func (s *Scheduler) coarse(ctx context.Context, plan Plan) (*scene.BlockModel, *JobResult, error) {
	b := CoarseBlock(plan.Scene)
	if err := s.store.Register(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("register coarse job: %w", err)
	}
	job, err := s.store.GetState(ctx, b.ID)
	if err != nil {
		return nil, nil, err
	}
	if job.State == scene.JobFailed {
		// A failed coarse pass blocks everything; always retry it.
		if _, err := s.store.SetState(ctx, b.ID, scene.JobPending, blockstore.Transition{Cause: "re-run requested"}); err != nil {
			return nil, nil, err
		}
	}
	var res JobResult
	if job.State == scene.JobCompleted {
		res = JobResult{BlockID: b.ID, State: job.State, Attempts: job.Attempts}
	} else {
		results, err := s.dispatch(ctx, []task{{block: b, frames: plan.Scene.Frames}})
		if err != nil {
			if len(results) > 0 {
				return nil, &results[0], err
			}
			return nil, nil, err
		}
		res = results[0]
	}
	if res.State != scene.JobCompleted {
		return nil, &res, fmt.Errorf("%w: %s", ErrCoarseFailed, res.Cause)
	}
	m, err := s.store.GetModel(ctx, b.ID)
	if err != nil {
		return nil, &res, fmt.Errorf("load coarse model: %w", err)
	}
	return m, &res, nil
}

// dispatch runs tasks on Limit() workers and collects their results. It
// stops handing out work once ctx is done; undispatched tasks keep their
// stored state.
func (s *Scheduler) dispatch(ctx context.Context, tasks []task) ([]JobResult, error) {
	if len(tasks) == 0 {
		return nil, ctx.Err()
	}
	workers := min(s.cfg.Limit(), len(tasks))
	queue := make(chan task)
	results := make(chan JobResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		device := ""
		if i < len(s.cfg.Devices) {
			device = s.cfg.Devices[i]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				results <- s.runJob(ctx, t, device)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case queue <- t:
				s.mu.Lock()
				s.stats.Dispatched++
				s.mu.Unlock()
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make(map[string]bool, len(tasks))
	var out []JobResult
	for r := range results {
		seen[r.BlockID] = true
		out = append(out, r)
	}
	// Tasks never handed to a worker are reported with their stored state.
	for _, t := range tasks {
		if seen[t.block.ID] {
			continue
		}
		res := JobResult{BlockID: t.block.ID, State: scene.JobPending, Cause: "not started"}
		if job, err := s.store.GetState(context.WithoutCancel(ctx), t.block.ID); err == nil {
			res.State, res.Attempts = job.State, job.Attempts
		}
		out = append(out, res)
	}
	sortResults(out)
	return out, ctx.Err()
}

// runJob drives one block to a terminal state, or back to checkpointed or
// pending when the run is cancelled.
func (s *Scheduler) runJob(ctx context.Context, t task, device string) JobResult {
	id := t.block.ID
	started := s.cfg.Clock.Now()
	res := JobResult{BlockID: id}
	finish := func(job *scene.TrainingJob, cause string) JobResult {
		if job != nil {
			res.State, res.Attempts = job.State, job.Attempts
		}
		res.Cause = cause
		res.Duration = s.cfg.Clock.Since(started)
		return res
	}
	// Writes after cancellation must still land so state stays consistent.
	wctx := context.WithoutCancel(ctx)
	lease := blockstore.Transition{Owner: s.cfg.RunID}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			job, _ := s.store.GetState(wctx, id)
			return finish(job, "interrupted")
		}
		job, err := s.store.SetState(ctx, id, scene.JobRunning, lease)
		if err != nil {
			cur, _ := s.store.GetState(wctx, id)
			if ctx.Err() != nil {
				return finish(cur, "interrupted")
			}
			return finish(cur, err.Error())
		}

		model, err := s.train(ctx, t, device, job.Checkpoint)
		if errors.Is(err, ErrLeaseLost) {
			logger.Printf("block %s: %v, abandoning", id, err)
			cur, _ := s.store.GetState(wctx, id)
			return finish(cur, err.Error())
		}
		if err == nil {
			res.Trained = true
			job, err = s.complete(wctx, id, model)
			if err != nil {
				logger.Printf("block %s: storing model: %v", id, err)
				if !blockstore.IsConflict(err) {
					job, _ = s.release(wctx, id, scene.JobFailed, err.Error())
				}
				if job == nil {
					job, _ = s.store.GetState(wctx, id)
				}
				return finish(job, err.Error())
			}
			logger.Printf("block %s: completed (attempt %d, %d primitives)", id, attempt, len(model.Primitives))
			return finish(job, "")
		}

		if ctx.Err() != nil {
			job, _ := s.park(wctx, id, "interrupted")
			logger.Printf("block %s: interrupted, left %s", id, stateOf(job))
			return finish(job, "interrupted")
		}

		if capability.IsTransient(err) && attempt <= s.cfg.MaxRetries {
			s.mu.Lock()
			s.stats.Retries++
			s.mu.Unlock()
			logger.Printf("block %s: attempt %d failed, retrying: %v", id, attempt, err)
			if _, perr := s.park(wctx, id, err.Error()); perr != nil {
				cur, _ := s.store.GetState(wctx, id)
				return finish(cur, perr.Error())
			}
			backoff := s.cfg.RetryBackoff << (attempt - 1)
			if err := timeutil.Sleep(ctx, s.cfg.Clock, backoff); err != nil {
				job, _ := s.store.GetState(wctx, id)
				return finish(job, "interrupted")
			}
			continue
		}

		logger.Printf("block %s: failed after %d attempt(s): %v", id, attempt, err)
		job, serr := s.release(wctx, id, scene.JobFailed, err.Error())
		if serr != nil {
			logger.Printf("block %s: recording failure: %v", id, serr)
			job, _ = s.store.GetState(wctx, id)
		}
		return finish(job, err.Error())
	}
}

// train invokes the trainer once under the job timeout and tracks the
// running count.
func (s *Scheduler) train(ctx context.Context, t task, device string, resume scene.Checkpoint) (*scene.BlockModel, error) {
	id := t.block.ID
	tctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.JobTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
	}
	defer cancel()

	req := capability.TrainRequest{
		Block:  t.block,
		Frames: t.frames,
		Resume: resume,
		Base:   t.base,
		Device: device,
		Checkpoint: func(h scene.Checkpoint) error {
			return s.store.PutCheckpoint(context.WithoutCancel(ctx), id, h)
		},
	}

	tctx, lost := context.WithCancelCause(tctx)
	defer lost(nil)
	stop := s.heartbeat(ctx, id, lost)

	s.enter()
	model, err := s.trainer.Train(tctx, req)
	s.leave()
	stop()

	if cause := context.Cause(tctx); errors.Is(cause, ErrLeaseLost) {
		return nil, cause
	}
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
		return nil, capability.Transientf("block %s: timed out after %s", id, s.cfg.JobTimeout)
	case err != nil:
		return nil, err
	case model == nil:
		return nil, capability.Permanentf("block %s: trainer returned no model", id)
	case model.BlockID != id:
		return nil, capability.Permanentf("block %s: trainer returned model for %q", id, model.BlockID)
	}
	return model, nil
}

// heartbeat refreshes the job's lease every HeartbeatInterval until the
// returned stop function is called. Losing the lease cancels training
// through lost. Other heartbeat errors are logged and retried next tick.
func (s *Scheduler) heartbeat(ctx context.Context, id string, lost context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-s.cfg.Clock.After(s.cfg.HeartbeatInterval):
			}
			err := s.store.Heartbeat(wctx, id, s.cfg.RunID)
			if blockstore.IsConflict(err) {
				lost(fmt.Errorf("block %s: %w: %v", id, ErrLeaseLost, err))
				return
			}
			if err != nil {
				logger.Printf("block %s: heartbeat: %v", id, err)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// complete stores the model and marks the job completed. A model already
// stored under the ID (from an attempt whose completion was lost) is kept.
func (s *Scheduler) complete(ctx context.Context, id string, model *scene.BlockModel) (*scene.TrainingJob, error) {
	err := s.store.PutModel(ctx, id, model)
	if blockstore.IsConflict(err) {
		logger.Printf("block %s: keeping previously stored model: %v", id, err)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.SetState(ctx, id, scene.JobCompleted, blockstore.Transition{Owner: s.cfg.RunID})
}

// park releases the lease to checkpointed when a handle exists, else pending.
func (s *Scheduler) park(ctx context.Context, id, cause string) (*scene.TrainingJob, error) {
	cur, err := s.store.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	to := scene.JobPending
	if cur.Checkpoint != "" {
		to = scene.JobCheckpointed
	}
	return s.release(ctx, id, to, cause)
}

func (s *Scheduler) release(ctx context.Context, id string, to scene.JobState, cause string) (*scene.TrainingJob, error) {
	return s.store.SetState(ctx, id, to, blockstore.Transition{Owner: s.cfg.RunID, Cause: cause})
}

func (s *Scheduler) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	s.stats.PeakRunning = max(s.stats.PeakRunning, s.running)
}

func (s *Scheduler) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
}

// CoarseBlock is the pseudo-block for the global pass: the whole scene and
// every frame.
func CoarseBlock(sc *scene.Scene) scene.Block {
	ids := make([]string, len(sc.Frames))
	for i, f := range sc.Frames {
		ids[i] = f.ID
	}
	slices.Sort(ids)
	return scene.Block{
		ID:         scene.CoarseJobID,
		Core:       sc.Bounds,
		Extended:   sc.Bounds,
		ClosedMaxX: true,
		ClosedMaxY: true,
		FrameIDs:   ids,
	}
}

func framesFor(sc *scene.Scene, b scene.Block) []scene.Frame {
	if sc == nil {
		return nil
	}
	byID := sc.FrameByID()
	frames := make([]scene.Frame, 0, len(b.FrameIDs))
	for _, id := range b.FrameIDs {
		if f, ok := byID[id]; ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func sortResults(rs []JobResult) {
	slices.SortFunc(rs, func(a, b JobResult) int { return scene.CompareBlockIDs(a.BlockID, b.BlockID) })
}

func stateOf(job *scene.TrainingJob) scene.JobState {
	if job == nil {
		return ""
	}
	return job.State
}
