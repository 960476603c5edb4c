// Package eval renders a global model from held-out test views, scores each
// rendering against its reference image and aggregates the metrics.
package eval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/timeutil"
)

var logger = monitoring.Component("eval")

// Stages at which a view can be excluded.
const (
	StageRender    = "render"
	StageReference = "reference"
	StageScore     = "score"
)

// Config controls an evaluation.
type Config struct {
	// Concurrency bounds simultaneous views. Zero means one.
	Concurrency int
	// Timeout bounds each render and each score call.
	Timeout time.Duration
	// MaxFailureRate aborts the evaluation when excluded/total exceeds it.
	MaxFailureRate float64
	Clock          timeutil.Clock
	// FS reads reference images. Nil uses the OS filesystem.
	FS fsutil.FileSystem
}

// ExcludedView records a view left out of the aggregate.
type ExcludedView struct {
	ViewID string `json:"view_id"`
	Stage  string `json:"stage"`
	Cause  string `json:"cause"`
}

// Summary aggregates one metric over the included views.
type Summary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	N      int     `json:"n"`
}

// Timing summarises render times of the included views.
type Timing struct {
	Views             int     `json:"views"`
	MeanRenderSeconds float64 `json:"mean_render_seconds"`
	MaxRenderSeconds  float64 `json:"max_render_seconds"`
	MeanFPS           float64 `json:"mean_fps"`
	MinFPS            float64 `json:"min_fps"`
}

// Report is the outcome of one evaluation.
type Report struct {
	ModelID   string               `json:"model_id"`
	Total     int                  `json:"total"`
	Results   []scene.MetricResult `json:"results"`
	Excluded  []ExcludedView       `json:"excluded,omitempty"`
	Aggregate map[string]Summary   `json:"aggregate"`
	Timing    Timing               `json:"timing"`
}

// FailureRate is the share of views excluded.
func (r *Report) FailureRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Excluded)) / float64(r.Total)
}

// Metrics lists the aggregated metric names alphabetically.
func (r *Report) Metrics() []string {
	names := make([]string, 0, len(r.Aggregate))
	for name := range r.Aggregate {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AbortedError is returned when too many views failed. The Report is still
// returned alongside it.
type AbortedError struct {
	Failed []string
	Total  int
	Max    float64
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("evaluation aborted: %d of %d views failed (max rate %.2f): %s",
		len(e.Failed), e.Total, e.Max, strings.Join(e.Failed, ", "))
}

// Evaluator runs evaluations with one renderer and scorer.
type Evaluator struct {
	renderer capability.Renderer
	scorer   capability.Scorer
	cfg      Config
	load     func(path string) (image.Image, error)
}

// New returns an evaluator. A nil Clock uses the real clock.
func New(renderer capability.Renderer, scorer capability.Scorer, cfg Config) *Evaluator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	e := &Evaluator{renderer: renderer, scorer: scorer, cfg: cfg}
	e.load = func(path string) (image.Image, error) { return LoadImage(cfg.FS, path) }
	return e
}

// LoadImage decodes a PNG, JPEG or WebP file read through fsys.
func LoadImage(fsys fsutil.FileSystem, path string) (image.Image, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// viewOutcome is one worker result.
type viewOutcome struct {
	result   *scene.MetricResult
	excluded *ExcludedView
}

// Evaluate scores model against every view. Per-view failures are excluded
// from the aggregate; the aggregate is reduced in view-ID order so it does
// not depend on completion order. Exceeding MaxFailureRate returns the
// report together with an *AbortedError.
func (e *Evaluator) Evaluate(ctx context.Context, model *scene.GlobalModel, views []scene.TestView) (*Report, error) {
	seen := make(map[string]bool, len(views))
	for _, v := range views {
		if seen[v.ID] {
			return nil, fmt.Errorf("eval: duplicate view id %q", v.ID)
		}
		seen[v.ID] = true
	}

	workers := max(1, min(e.cfg.Concurrency, len(views)))
	queue := make(chan scene.TestView)
	outcomes := make(chan viewOutcome, len(views))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range queue {
				outcomes <- e.evaluateView(ctx, model, v)
			}
		}()
	}
	go func() {
		defer close(queue)
		for _, v := range views {
			select {
			case <-ctx.Done():
				return
			case queue <- v:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	rep := &Report{ModelID: model.ID, Total: len(views)}
	for o := range outcomes {
		switch {
		case o.result != nil:
			rep.Results = append(rep.Results, *o.result)
		case o.excluded != nil:
			rep.Excluded = append(rep.Excluded, *o.excluded)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(rep.Results, func(a, b scene.MetricResult) int { return strings.Compare(a.ViewID, b.ViewID) })
	slices.SortFunc(rep.Excluded, func(a, b ExcludedView) int { return strings.Compare(a.ViewID, b.ViewID) })
	rep.Aggregate = Aggregate(rep.Results)
	rep.Timing = Timings(rep.Results)

	logger.Printf("model %s: %d/%d views scored, %d excluded", model.ID, len(rep.Results), rep.Total, len(rep.Excluded))
	if rep.FailureRate() > e.cfg.MaxFailureRate {
		failed := make([]string, len(rep.Excluded))
		for i, x := range rep.Excluded {
			failed[i] = x.ViewID
		}
		return rep, &AbortedError{Failed: failed, Total: rep.Total, Max: e.cfg.MaxFailureRate}
	}
	return rep, nil
}

func (e *Evaluator) evaluateView(ctx context.Context, model *scene.GlobalModel, v scene.TestView) viewOutcome {
	exclude := func(stage string, err error) viewOutcome {
		logger.Printf("view %s excluded at %s: %v", v.ID, stage, err)
		return viewOutcome{excluded: &ExcludedView{ViewID: v.ID, Stage: stage, Cause: err.Error()}}
	}
	if ctx.Err() != nil {
		return viewOutcome{}
	}

	rctx, cancel := e.bounded(ctx)
	started := e.cfg.Clock.Now()
	rendered, err := e.renderer.Render(rctx, model, v.Pose)
	elapsed := e.cfg.Clock.Since(started)
	cancel()
	if err != nil {
		return exclude(StageRender, e.timeoutCause(ctx, err))
	}

	reference, err := e.load(v.Reference)
	if err != nil {
		return exclude(StageReference, err)
	}

	sctx, cancel := e.bounded(ctx)
	values, err := e.scorer.Score(sctx, rendered, reference)
	cancel()
	if err != nil {
		return exclude(StageScore, e.timeoutCause(ctx, err))
	}
	for name, val := range values {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return exclude(StageScore, fmt.Errorf("metric %s is not finite", name))
		}
	}
	return viewOutcome{result: &scene.MetricResult{ViewID: v.ID, Values: values, RenderTime: elapsed}}
}

func (e *Evaluator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Evaluator) timeoutCause(ctx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", e.cfg.Timeout)
	}
	return err
}

// Aggregate summarises every metric over results, which must be sorted by
// view ID for a reproducible result.
func Aggregate(results []scene.MetricResult) map[string]Summary {
	series := make(map[string][]float64)
	for _, r := range results {
		for name, v := range r.Values {
			series[name] = append(series[name], v)
		}
	}
	out := make(map[string]Summary, len(series))
	for name, vals := range series {
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		out[name] = Summary{Mean: mean, StdDev: std, Min: floats.Min(vals), Max: floats.Max(vals), N: len(vals)}
	}
	return out
}

// Timings summarises render times.
func Timings(results []scene.MetricResult) Timing {
	t := Timing{Views: len(results)}
	if len(results) == 0 {
		return t
	}
	secs := make([]float64, len(results))
	for i, r := range results {
		secs[i] = r.RenderTime.Seconds()
	}
	t.MeanRenderSeconds = stat.Mean(secs, nil)
	t.MaxRenderSeconds = floats.Max(secs)
	if total := floats.Sum(secs); total > 0 {
		t.MeanFPS = float64(len(secs)) / total
	}
	if t.MaxRenderSeconds > 0 {
		t.MinFPS = 1 / t.MaxRenderSeconds
	}
	return t
}
