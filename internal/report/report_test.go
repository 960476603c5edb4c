package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenegrid/internal/eval"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

func init() {
	monitoring.SetLogger(nil)
}

func testInput() Input {
	results := []scene.MetricResult{
		{ViewID: "view-00", Values: map[string]float64{"psnr": 24.5, "l1": 0.1}, RenderTime: 20 * time.Millisecond},
		{ViewID: "view-02", Values: map[string]float64{"psnr": 26.5, "l1": 0.05}, RenderTime: 40 * time.Millisecond},
	}
	rep := &eval.Report{
		ModelID:   "gm-0123456789abcdef",
		Total:     3,
		Results:   results,
		Excluded:  []eval.ExcludedView{{ViewID: "view-01", Stage: eval.StageRender, Cause: "gpu fault"}},
		Aggregate: eval.Aggregate(results),
		Timing:    eval.Timings(results),
	}
	return Input{
		RunID: "run-1",
		Scene: "city",
		Blocks: []scene.Block{
			{ID: "0", Row: 0, Col: 0, FrameIDs: []string{"f0"}},
			{ID: "1", Row: 0, Col: 1, FrameIDs: []string{"f1"}},
		},
		Jobs: []scene.TrainingJob{
			{BlockID: "0", State: scene.JobCompleted},
			{BlockID: "1", State: scene.JobFailed},
		},
		Model: &scene.GlobalModel{
			ID: "gm-0123456789abcdef", Strategy: "core-precedence", MissingBlocks: []string{"1"},
			Extents: []scene.BlockExtent{{BlockID: "0", Count: 12}},
		},
		Eval: rep,
	}
}

func TestWriteAll(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	written, err := NewWriter(fsys, "/runs/city").WriteAll(testInput())
	require.NoError(t, err)

	var names []string
	for _, p := range written {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{MetricsJSON, MetricsCSV, MetricsPNG, HTML}, names)

	png, err := fsys.ReadFile("/runs/city/" + MetricsPNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	html, err := fsys.ReadFile("/runs/city/" + HTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Block states")
	assert.Contains(t, string(html), "Metrics per view")

	data, err := fsys.ReadFile("/runs/city/" + MetricsJSON)
	require.NoError(t, err)
	var doc MetricsDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "gm-0123456789abcdef", doc.ModelID)
	assert.False(t, doc.Complete)
	assert.Equal(t, []string{"1"}, doc.MissingBlocks)
	assert.Len(t, doc.Views, 2)
	assert.InDelta(t, 25.5, doc.Aggregate["psnr"].Mean, 1e-9)
	assert.InDelta(t, 0.02, doc.Views[0].RenderSeconds, 1e-9)
}

func TestWriteAllWithoutEvaluation(t *testing.T) {
	t.Parallel()
	in := testInput()
	in.Eval = nil
	fsys := fsutil.NewMemoryFileSystem()
	written, err := NewWriter(fsys, "/out").WriteAll(in)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("/out", HTML)}, written)
	assert.False(t, fsys.Exists("/out/"+MetricsJSON))
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testInput().Eval))

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"view_id", "status", "render_seconds", "l1", "psnr", "stage", "cause"}, records[0])
	assert.Equal(t, []string{"view-00", "ok", "0.020000", "0.100000", "24.500000", "", ""}, records[1])
	assert.Equal(t, []string{"view-01", "excluded", "", "", "", "render", "gpu fault"}, records[2])
	assert.Equal(t, "view-02", records[3][0])
}

func TestHeadline(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "psnr", headline(testInput().Eval))
	assert.Equal(t, "l1", headline(&eval.Report{Aggregate: map[string]eval.Summary{"mse": {}, "l1": {}}}))
	assert.Empty(t, headline(&eval.Report{}))
}
