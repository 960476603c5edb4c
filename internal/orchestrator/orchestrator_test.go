package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/capability/sim"
	"github.com/banshee-data/scenegrid/internal/config"
	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/merge"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/report"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const (
	testTimeout = 5 * time.Second
	testTick    = 5 * time.Millisecond
)

type fixture struct {
	dir   string
	scene string
	views string
	out   string
}

// newFixture writes a 400x400 scene with an 8x8 frame lattice and ten test
// views with reference images.
func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	sc := testutil.GridScene("city", 400, 400, 8, 8)
	views := testutil.TestViews(10, sc.Bounds, filepath.Join(dir, "refs"))
	testutil.WriteReferences(t, views)

	f := fixture{
		dir:   dir,
		scene: filepath.Join(dir, "scene.yaml"),
		views: filepath.Join(dir, "views.yaml"),
		out:   filepath.Join(dir, "run"),
	}
	writeYAML(t, f.scene, sc)
	writeYAML(t, f.views, map[string]any{"views": views})
	return f
}

func writeYAML(t *testing.T, path string, v any) {
	t.Helper()
	data, err := yaml.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func (f fixture) config() *config.RunConfig {
	return &config.RunConfig{
		Scene:   config.Ptr(f.scene),
		Views:   config.Ptr(f.views),
		Out:     config.Ptr(f.out),
		Grid:    config.Ptr("4x4"),
		Overlap: config.Ptr("5%"),
		Devices: []string{"gpu0", "gpu1"},
	}
}

func openStore(t *testing.T, out string) *blockstore.Store {
	t.Helper()
	database, err := db.OpenInDir(out)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return blockstore.New(database, fsutil.OSFileSystem{}, out)
}

func readSummary(t *testing.T, out string) Summary {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, SummaryFile))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sum, err := Run(context.Background(), Options{Config: f.config()})
	require.NoError(t, err)

	assert.Equal(t, blockstore.RunSucceeded, sum.Status)
	assert.Equal(t, "sim", sum.Backend)
	assert.Equal(t, 16, sum.Blocks)
	assert.Len(t, sum.Completed, 16)
	assert.Empty(t, sum.Failed)
	assert.LessOrEqual(t, sum.PeakRunning, 2)
	assert.True(t, sum.Complete)
	assert.Empty(t, sum.MissingBlocks)
	assert.Equal(t, 10, sum.Views)
	assert.Zero(t, sum.Excluded)
	require.Contains(t, sum.Aggregate, "psnr")
	assert.Equal(t, 10, sum.Aggregate["psnr"].N)
	require.NotNil(t, sum.Timing)
	assert.Equal(t, 10, sum.Timing.Views)

	for _, name := range []string{
		db.FileName,
		blockstore.GlobalModelFile,
		report.MetricsJSON,
		report.MetricsCSV,
		report.MetricsPNG,
		report.HTML,
		SummaryFile,
		filepath.Join("blocks", "0", "model.json"),
		filepath.Join("blocks", "15", "state.json"),
	} {
		assert.FileExists(t, filepath.Join(f.out, name))
	}
	onDisk := readSummary(t, f.out)
	assert.Equal(t, sum.RunID, onDisk.RunID)
	assert.Equal(t, sum.ModelID, onDisk.ModelID)
	assert.Equal(t, blockstore.RunSucceeded, onDisk.Status)
	assert.Contains(t, onDisk.Artifacts, filepath.Join(f.out, report.HTML))

	store := openStore(t, f.out)
	ctx := context.Background()
	g, err := store.LatestGlobalModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum.ModelID, g.ID)
	assert.Equal(t, merge.DefaultStrategy, g.Strategy)
	assert.Len(t, g.SourceBlocks, 16)

	rec, err := store.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, blockstore.RunSucceeded, rec.Status)
	require.NotNil(t, rec.FinishedAt)

	metrics, err := store.Metrics(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, metrics, 10)
}

func TestRunBlockFailureWithPartialMerge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	trainer := sim.NewTrainer()
	trainer.Inject("3", sim.Failure{Permanent: true})
	backend := capability.Backend{Name: "sim", Trainer: trainer, Renderer: sim.NewRenderer(), Scorer: sim.Scorer{}}

	cfg := f.config()
	cfg.Partial = config.Ptr(true)
	sum, err := Run(context.Background(), Options{Config: cfg, Backend: &backend})
	require.NoError(t, err)

	assert.Equal(t, blockstore.RunSucceeded, sum.Status)
	assert.Len(t, sum.Completed, 15)
	assert.Equal(t, []string{"3"}, sum.Failed)
	assert.Equal(t, 1, trainer.Calls("3"), "permanent failures are not retried")
	assert.False(t, sum.Complete)
	assert.Equal(t, []string{"3"}, sum.MissingBlocks)
	assert.Equal(t, 10, sum.Views)
	assert.Contains(t, sum.Aggregate, "psnr")

	store := openStore(t, f.out)
	job, err := store.GetState(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, scene.JobFailed, job.State)
	assert.Contains(t, job.Cause, "injected permanent failure")

	data, err := os.ReadFile(filepath.Join(f.out, report.MetricsJSON))
	require.NoError(t, err)
	var doc report.MetricsDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.False(t, doc.Complete)
	assert.Equal(t, []string{"3"}, doc.MissingBlocks)
}

func TestRunMissingBlockWithoutPartialFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	trainer := sim.NewTrainer()
	trainer.Inject("3", sim.Failure{Permanent: true})
	backend := capability.Backend{Name: "sim", Trainer: trainer, Renderer: sim.NewRenderer(), Scorer: sim.Scorer{}}

	sum, err := Run(context.Background(), Options{Config: f.config(), Backend: &backend})
	require.Error(t, err)

	var phase *PhaseError
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhaseMerge, phase.Phase)
	var incomplete *merge.IncompleteMergeError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"3"}, incomplete.Missing)

	require.NotNil(t, sum)
	assert.Equal(t, blockstore.RunFailed, sum.Status)
	assert.Equal(t, blockstore.RunFailed, readSummary(t, f.out).Status)
	assert.NoFileExists(t, filepath.Join(f.out, report.MetricsJSON))
}

func TestRunSkipTrainingReusesModels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first, err := Run(context.Background(), Options{Config: f.config()})
	require.NoError(t, err)

	trainer := sim.NewTrainer()
	backend := capability.Backend{Name: "sim", Trainer: trainer, Renderer: sim.NewRenderer(), Scorer: sim.Scorer{}}
	cfg := f.config()
	cfg.SkipTrain = config.Ptr(true)
	second, err := Run(context.Background(), Options{Config: cfg, Backend: &backend})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.ModelID, second.ModelID, "re-merging the same models is idempotent")
	assert.Equal(t, first.Aggregate, second.Aggregate)
	for i := 0; i < 16; i++ {
		assert.Zero(t, trainer.Calls(scene.BlockID(i/4, i%4, 4)))
	}
}

func TestRunSkipTrainingWithoutModels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.config()
	cfg.SkipTrain = config.Ptr(true)
	sum, err := Run(context.Background(), Options{Config: cfg})
	require.Error(t, err)

	var phase *PhaseError
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhaseTrain, phase.Phase)
	assert.Contains(t, err.Error(), "no completed model")
	assert.Equal(t, blockstore.RunFailed, sum.Status)
}

func TestRunSkipMergeAndEval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first, err := Run(context.Background(), Options{Config: f.config()})
	require.NoError(t, err)

	cfg := f.config()
	cfg.SkipTrain = config.Ptr(true)
	cfg.SkipMerge = config.Ptr(true)
	cfg.SkipEval = config.Ptr(true)
	cfg.Views = nil
	sum, err := Run(context.Background(), Options{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, first.ModelID, sum.ModelID)
	assert.Zero(t, sum.Views)
	assert.Nil(t, sum.Aggregate)
}

func TestRunCoarsePass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.config()
	cfg.Coarse = config.Ptr(true)
	sum, err := Run(context.Background(), Options{Config: cfg})
	require.NoError(t, err)
	assert.Len(t, sum.Completed, 16, "the coarse job is not counted as a block")

	store := openStore(t, f.out)
	job, err := store.GetState(context.Background(), scene.CoarseJobID)
	require.NoError(t, err)
	assert.Equal(t, scene.JobCompleted, job.State)
}

func TestRunLoadErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.config()
	cfg.Views = nil
	_, err := Run(context.Background(), Options{Config: cfg})
	var phase *PhaseError
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhaseLoad, phase.Phase)

	cfg = f.config()
	cfg.Scene = config.Ptr(filepath.Join(f.dir, "missing.yaml"))
	_, err = Run(context.Background(), Options{Config: cfg})
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhaseLoad, phase.Phase)
	assert.NoDirExists(t, f.out)
}

func TestRunPartitionError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.config()
	cfg.Grid = config.Ptr("1x16")
	sum, err := Run(context.Background(), Options{Config: cfg})
	var phase *PhaseError
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhasePartition, phase.Phase)
	assert.Equal(t, blockstore.RunFailed, sum.Status)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	trainer := sim.NewTrainer()
	for i := 0; i < 16; i++ {
		trainer.Inject(scene.BlockID(i/4, i%4, 4), sim.Failure{Hang: true})
	}
	backend := capability.Backend{Name: "sim", Trainer: trainer, Renderer: sim.NewRenderer(), Scorer: sim.Scorer{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		sum *Summary
		err error
	)
	go func() {
		defer close(done)
		sum, err = Run(ctx, Options{Config: f.config(), Backend: &backend})
	}()
	require.Eventually(t, func() bool { return trainer.Peak() > 0 }, testTimeout, testTick)
	cancel()
	<-done

	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	require.NotNil(t, sum)
	assert.Equal(t, blockstore.RunCancelled, sum.Status)

	store := openStore(t, f.out)
	rec, err := store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, blockstore.RunCancelled, rec.Status)
	jobs, err := store.Jobs(context.Background())
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, scene.JobRunning, j.State, "block %s left running", j.BlockID)
	}
}

func TestRunAdminBindFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { busy.Close() })
	addr := busy.Addr().String()

	cfg := f.config()
	cfg.Admin = config.Ptr(addr)
	sum, err := Run(context.Background(), Options{Config: cfg})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled), "got %v", err)
	var phase *PhaseError
	require.ErrorAs(t, err, &phase)
	assert.Equal(t, PhaseAdmin, phase.Phase)
	assert.Contains(t, err.Error(), addr)

	require.NotNil(t, sum)
	assert.Equal(t, blockstore.RunFailed, sum.Status)
	assert.Contains(t, sum.Error, addr)
	assert.Equal(t, blockstore.RunFailed, readSummary(t, f.out).Status)

	rec, err := openStore(t, f.out).GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, blockstore.RunFailed, rec.Status)
}

func TestRunWithAdminServer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.config()
	cfg.Admin = config.Ptr("127.0.0.1:0")
	sum, err := Run(context.Background(), Options{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, blockstore.RunSucceeded, sum.Status)
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	b, closeFn, err := newBackend(&config.RunConfig{}, nil, t.TempDir())
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "sim", b.Name)

	out := t.TempDir()
	cfg, err := config.LoadRunConfig(writeConfig(t, `
backend: exec
exec:
  train_command: [train]
  render_command: [render]
  score_command: [score]
`))
	require.NoError(t, err)
	b, closeFn, err = newBackend(cfg, nil, out)
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "exec", b.Name)
	assert.DirExists(t, filepath.Join(out, "work"))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
