package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/scheduler"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := &RunConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "run", cfg.GetOut())
	assert.Equal(t, partition.Grid{}, cfg.GetGrid())
	assert.Equal(t, 4, cfg.GetBlocks())
	assert.Equal(t, partition.Overlap{Fraction: 0.05}, cfg.GetOverlap())
	assert.Equal(t, partition.DefaultAspectTolerance, cfg.GetAspectTolerance())
	assert.Equal(t, 3, cfg.GetRetries())
	assert.Equal(t, time.Second, cfg.GetRetryBackoff())
	assert.Zero(t, cfg.GetJobTimeout())
	assert.Equal(t, scheduler.DefaultLeaseTTL, cfg.GetLeaseTTL())
	assert.Equal(t, time.Minute, cfg.GetEvalTimeout())
	assert.Equal(t, 4, cfg.GetEvalConcurrency())
	assert.Equal(t, 0.2, cfg.GetMaxFailureRate())
	assert.Equal(t, "core-precedence", cfg.GetStrategy())
	assert.Equal(t, BackendSim, cfg.GetBackend())
	assert.False(t, cfg.GetSkipTrain())
	assert.False(t, cfg.GetPartial())
	assert.Empty(t, cfg.GetAdmin())
}

func TestLoadFormats(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"run.json": `{
  "scene": "city.yaml",
  "grid": "4x4",
  "overlap": "5%",
  "devices": ["gpu0", "gpu1"],
  "job_timeout": "2h",
  "lease_ttl": "90s",
  "partial": true
}`,
		"run.yaml": `
scene: city.yaml
grid: 4x4
overlap: 5%
devices: [gpu0, gpu1]
job_timeout: 2h
lease_ttl: 90s
partial: true
`,
		"run.toml": `
scene = "city.yaml"
grid = "4x4"
overlap = "5%"
devices = ["gpu0", "gpu1"]
job_timeout = "2h"
lease_ttl = "90s"
partial = true
`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := LoadRunConfig(writeFile(t, name, content))
			require.NoError(t, err)
			assert.Equal(t, "city.yaml", cfg.GetScene())
			assert.Equal(t, partition.Grid{Rows: 4, Cols: 4}, cfg.GetGrid())
			assert.Equal(t, partition.Overlap{Fraction: 0.05}, cfg.GetOverlap())
			assert.Equal(t, []string{"gpu0", "gpu1"}, cfg.Devices)
			assert.Equal(t, 2*time.Hour, cfg.GetJobTimeout())
			assert.Equal(t, 90*time.Second, cfg.GetLeaseTTL())
			assert.True(t, cfg.GetPartial())
		})
	}
}

func TestLoadBackendSections(t *testing.T) {
	t.Parallel()
	cfg, err := LoadRunConfig(writeFile(t, "exec.yaml", `
backend: exec
exec:
  train_command: [python, train.py]
  render_command: [python, render.py]
  score_command: [python, score.py]
  work_dir: /tmp/work
`))
	require.NoError(t, err)
	assert.Equal(t, BackendExec, cfg.GetBackend())
	assert.Equal(t, []string{"python", "train.py"}, cfg.Exec.TrainCommand)

	cfg, err = LoadRunConfig(writeFile(t, "grpc.toml", "backend = \"grpc\"\n[grpc]\naddress = \"trainer:7070\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "trainer:7070", cfg.GRPC.Address)
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, file, content, want string
	}{
		{"extension", "run.ini", "x=1", "extension"},
		{"unknown json key", "run.json", `{"grid": "2x2", "colour": "red"}`, "unknown field"},
		{"unknown yaml key", "run.yaml", "grid: 2x2\ncolour: red\n", "colour"},
		{"unknown toml key", "run.toml", "colour = \"red\"\n", "unknown keys"},
		{"grid and blocks", "run.json", `{"grid": "2x2", "blocks": 4}`, "mutually exclusive"},
		{"bad grid", "run.json", `{"grid": "four"}`, "want RxC"},
		{"bad overlap", "run.json", `{"overlap": "lots"}`, "overlap"},
		{"negative overlap", "run.json", `{"overlap": "-5%"}`, "non-negative"},
		{"bad duration", "run.json", `{"job_timeout": "soon"}`, "job_timeout"},
		{"negative lease ttl", "run.json", `{"lease_ttl": "-1m"}`, "lease_ttl"},
		{"failure rate", "run.json", `{"max_failure_rate": 1.5}`, "max_failure_rate"},
		{"strategy", "run.json", `{"strategy": "median"}`, "unknown merge strategy"},
		{"backend", "run.json", `{"backend": "cuda"}`, "unknown backend"},
		{"exec section", "run.json", `{"backend": "exec"}`, "exec section"},
		{"grpc address", "run.json", `{"backend": "grpc"}`, "grpc.address"},
		{"retries", "run.json", `{"retries": -1}`, "retries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadRunConfig(writeFile(t, tc.file, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	t.Parallel()
	big := `{"scene": "` + strings.Repeat("x", MaxFileSize) + `"}`
	_, err := LoadRunConfig(writeFile(t, "big.json", big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestOverlay(t *testing.T) {
	t.Parallel()
	base := &RunConfig{
		Scene:   Ptr("a.yaml"),
		Grid:    Ptr("4x4"),
		Retries: Ptr(5),
		Devices: []string{"gpu0"},
	}
	base.Overlay(&RunConfig{
		Scene:   Ptr("b.yaml"),
		Blocks:  Ptr(6),
		Partial: Ptr(true),
	})
	require.NoError(t, base.Validate())
	assert.Equal(t, "b.yaml", base.GetScene())
	assert.Nil(t, base.Grid, "a block count replaces the file's grid")
	assert.Equal(t, 6, base.GetBlocks())
	assert.Equal(t, 5, base.GetRetries())
	assert.Equal(t, []string{"gpu0"}, base.Devices)
	assert.True(t, base.GetPartial())
}
