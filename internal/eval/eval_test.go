package eval

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/capability/sim"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var bounds = scene.Region{MaxX: 400, MaxY: 400}

func testModel() *scene.GlobalModel {
	g := &scene.GlobalModel{Scene: "eval", Bounds: bounds}
	for i := 0; i < 40; i++ {
		g.Primitives = append(g.Primitives, scene.Primitive{X: float64(i * 10), Y: float64(i * 10), Opacity: float64(i%5) + 1})
	}
	if err := g.Seal(); err != nil {
		panic(err)
	}
	return g
}

func testViews(t *testing.T, n int) []scene.TestView {
	t.Helper()
	views := testutil.TestViews(n, bounds, t.TempDir())
	testutil.WriteReferences(t, views)
	return views
}

// tinyRefScorer fails on references smaller than 4x4.
type tinyRefScorer struct{ capability.Scorer }

func (s tinyRefScorer) Score(ctx context.Context, rendered, reference image.Image) (capability.MetricValues, error) {
	if reference.Bounds().Dx() < 4 {
		return nil, &capability.MetricError{Err: errors.New("reference too small")}
	}
	return s.Scorer.Score(ctx, rendered, reference)
}

func TestEvaluateAllViews(t *testing.T) {
	t.Parallel()
	views := testViews(t, 10)
	e := New(sim.NewRenderer(), sim.Scorer{}, Config{Concurrency: 3})

	rep, err := e.Evaluate(context.Background(), testModel(), views)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Total)
	assert.Len(t, rep.Results, 10)
	assert.Empty(t, rep.Excluded)
	assert.Equal(t, []string{"l1", "mse", "psnr"}, rep.Metrics())
	assert.Equal(t, 10, rep.Aggregate["psnr"].N)
	assert.Equal(t, 10, rep.Timing.Views)
	assert.True(t, slices.IsSortedFunc(rep.Results, func(a, b scene.MetricResult) int {
		return strings.Compare(a.ViewID, b.ViewID)
	}))
}

func TestAggregateIndependentOfOrder(t *testing.T) {
	t.Parallel()
	views := testViews(t, 10)
	model := testModel()

	serial, err := New(sim.NewRenderer(), sim.Scorer{}, Config{Concurrency: 1}).Evaluate(context.Background(), model, views)
	require.NoError(t, err)

	reversed := slices.Clone(views)
	slices.Reverse(reversed)
	r := sim.NewRenderer()
	r.Delay = time.Millisecond
	parallel, err := New(r, sim.Scorer{}, Config{Concurrency: 5}).Evaluate(context.Background(), model, reversed)
	require.NoError(t, err)

	if diff := cmp.Diff(serial.Aggregate, parallel.Aggregate); diff != "" {
		t.Errorf("aggregate depends on order (-serial +parallel):\n%s", diff)
	}
	ignoreTime := cmpopts.IgnoreFields(scene.MetricResult{}, "RenderTime")
	if diff := cmp.Diff(serial.Results, parallel.Results, ignoreTime); diff != "" {
		t.Errorf("results differ (-serial +parallel):\n%s", diff)
	}
}

func TestFailedViewsExcluded(t *testing.T) {
	t.Parallel()
	views := testViews(t, 10)

	r := sim.NewRenderer()
	r.Fail = func(p scene.Pose) error {
		if p == views[3].Pose {
			return errors.New("gpu fault")
		}
		return nil
	}
	require.NoError(t, os.Remove(views[5].Reference))
	f, err := os.Create(views[7].Reference)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testutil.SolidImage(2, 2, color.Gray{Y: 1})))
	require.NoError(t, f.Close())

	e := New(r, tinyRefScorer{sim.Scorer{}}, Config{Concurrency: 4, MaxFailureRate: 0.5})
	rep, err := e.Evaluate(context.Background(), testModel(), views)
	require.NoError(t, err)

	stages := make(map[string]string)
	for _, x := range rep.Excluded {
		stages[x.ViewID] = x.Stage
	}
	assert.Equal(t, map[string]string{
		"view-03": StageRender,
		"view-05": StageReference,
		"view-07": StageScore,
	}, stages)
	assert.Len(t, rep.Results, 7)
	assert.Equal(t, 7, rep.Aggregate["l1"].N)
	assert.InDelta(t, 0.3, rep.FailureRate(), 1e-9)

	// The same failures abort a stricter evaluation.
	e = New(r, tinyRefScorer{sim.Scorer{}}, Config{Concurrency: 4, MaxFailureRate: 0.2})
	rep, err = e.Evaluate(context.Background(), testModel(), views)
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, []string{"view-03", "view-05", "view-07"}, aborted.Failed)
	require.NotNil(t, rep)
	assert.Len(t, rep.Results, 7)
}

func TestRenderTimeout(t *testing.T) {
	t.Parallel()
	views := testViews(t, 3)
	r := sim.NewRenderer()
	r.Delay = time.Second

	e := New(r, sim.Scorer{}, Config{Concurrency: 3, Timeout: 20 * time.Millisecond, MaxFailureRate: 1})
	rep, err := e.Evaluate(context.Background(), testModel(), views)
	require.NoError(t, err)
	require.Len(t, rep.Excluded, 3)
	for _, x := range rep.Excluded {
		assert.Equal(t, StageRender, x.Stage)
		assert.Contains(t, x.Cause, "timed out")
	}
	assert.Empty(t, rep.Aggregate)
}

func TestEvaluateCancelled(t *testing.T) {
	t.Parallel()
	views := testViews(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(sim.NewRenderer(), sim.Scorer{}, Config{}).Evaluate(ctx, testModel(), views)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateViewIDs(t *testing.T) {
	t.Parallel()
	views := testViews(t, 2)
	views[1].ID = views[0].ID
	_, err := New(sim.NewRenderer(), sim.Scorer{}, Config{}).Evaluate(context.Background(), testModel(), views)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate view id")
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	results := []scene.MetricResult{
		{ViewID: "a", Values: map[string]float64{"psnr": 10}},
		{ViewID: "b", Values: map[string]float64{"psnr": 20, "ssim": 0.5}},
		{ViewID: "c", Values: map[string]float64{"psnr": 30}},
	}
	want := map[string]Summary{
		"psnr": {Mean: 20, StdDev: 10, Min: 10, Max: 30, N: 3},
		"ssim": {Mean: 0.5, StdDev: 0, Min: 0.5, Max: 0.5, N: 1},
	}
	if diff := cmp.Diff(want, Aggregate(results), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestTimings(t *testing.T) {
	t.Parallel()
	got := Timings([]scene.MetricResult{
		{RenderTime: time.Second},
		{RenderTime: 2 * time.Second},
		{RenderTime: time.Second},
	})
	assert.Equal(t, 3, got.Views)
	assert.InDelta(t, 4.0/3, got.MeanRenderSeconds, 1e-9)
	assert.InDelta(t, 2, got.MaxRenderSeconds, 1e-9)
	assert.InDelta(t, 0.75, got.MeanFPS, 1e-9)
	assert.InDelta(t, 0.5, got.MinFPS, 1e-9)
	assert.Equal(t, Timing{}, Timings(nil))
}

func TestReferencesReadThroughFileSystem(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	views := testutil.TestViews(4, bounds, "/refs")
	for _, v := range views[:3] {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, testutil.SolidImage(16, 16, color.Gray{Y: 90})))
		require.NoError(t, fsys.WriteFile(v.Reference, buf.Bytes(), 0o644))
	}

	e := New(sim.NewRenderer(), sim.Scorer{}, Config{Concurrency: 2, MaxFailureRate: 0.5, FS: fsys})
	rep, err := e.Evaluate(context.Background(), testModel(), views)
	require.NoError(t, err)
	assert.Len(t, rep.Results, 3)
	require.Len(t, rep.Excluded, 1)
	assert.Equal(t, views[3].ID, rep.Excluded[0].ViewID)
	assert.Equal(t, StageReference, rep.Excluded[0].Stage)

	_, err = LoadImage(fsys, views[3].Reference)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
