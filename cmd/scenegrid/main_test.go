package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestParseFlagsDefaults(t *testing.T) {
	t.Parallel()
	opts, err := parseFlags([]string{"-scene", "city.yaml", "-skip-eval"}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg := opts.cfg
	assert.Equal(t, "city.yaml", cfg.GetScene())
	assert.Equal(t, "run", cfg.GetOut())
	assert.Equal(t, 4, cfg.GetBlocks())
	assert.Equal(t, partition.Overlap{Fraction: 0.05}, cfg.GetOverlap())
	assert.Equal(t, 3, cfg.GetRetries())
	assert.True(t, cfg.GetSkipEval())
	assert.Nil(t, cfg.Retries, "unset flags leave the file value alone")
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
scene = "file.yaml"
grid = "2x2"
retries = 5
strategy = "blend"
`), 0o644))

	opts, err := parseFlags([]string{
		"-config", path,
		"-scene", "flag.yaml",
		"-grid", "4x4",
		"-devices", "3",
		"-block", "1, 3",
		"-job-timeout", "2h",
		"-partial",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg := opts.cfg
	assert.Equal(t, "flag.yaml", cfg.GetScene())
	assert.Equal(t, partition.Grid{Rows: 4, Cols: 4}, cfg.GetGrid())
	assert.Equal(t, 5, cfg.GetRetries())
	assert.Equal(t, "blend", cfg.GetStrategy())
	assert.Equal(t, []string{"gpu0", "gpu1", "gpu2"}, cfg.Devices)
	assert.Equal(t, []string{"1", "3"}, cfg.Select)
	assert.Equal(t, 2*time.Hour, cfg.GetJobTimeout())
	assert.True(t, cfg.GetPartial())
}

func TestParseFlagsErrors(t *testing.T) {
	t.Parallel()
	cases := map[string][]string{
		"missing scene":   {"-grid", "2x2"},
		"bad grid":        {"-scene", "s.yaml", "-grid", "two"},
		"grid and blocks": {"-scene", "s.yaml", "-grid", "2x2", "-blocks", "4"},
		"bad strategy":    {"-scene", "s.yaml", "-strategy", "median"},
		"bad devices":     {"-scene", "s.yaml", "-devices", "0"},
		"grpc no address": {"-scene", "s.yaml", "-backend", "grpc"},
		"stray argument":  {"-scene", "s.yaml", "extra"},
		"unknown flag":    {"-colour", "red"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(args, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestParseDevices(t *testing.T) {
	t.Parallel()
	d, err := parseDevices("2")
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu0", "gpu1"}, d)

	d, err = parseDevices("cuda:0, cuda:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:0", "cuda:1"}, d)

	d, err = parseDevices("")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, run([]string{"-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "scenegrid")

	assert.Equal(t, exitUsage, run([]string{"-grid", "4x4"}, &stdout, &stderr))
	assert.Equal(t, exitUsage, run([]string{"migrate"}, &stdout, &stderr))
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sc := testutil.GridScene("city", 400, 400, 8, 8)
	views := testutil.TestViews(10, sc.Bounds, filepath.Join(dir, "refs"))
	testutil.WriteReferences(t, views)
	writeYAML(t, filepath.Join(dir, "scene.yaml"), sc)
	writeYAML(t, filepath.Join(dir, "views.yaml"), map[string]any{"views": views})
	out := filepath.Join(dir, "run")

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-scene", filepath.Join(dir, "scene.yaml"),
		"-views", filepath.Join(dir, "views.yaml"),
		"-grid", "4x4", "-overlap", "5%", "-devices", "1",
		"-out", out,
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "blocks: 16 completed, 0 failed")
	assert.Contains(t, stdout.String(), "views: 10 evaluated, 0 excluded")
	assert.Contains(t, stdout.String(), "psnr")

	stdout.Reset()
	require.Equal(t, exitOK, run([]string{"migrate", "-out", out, "version"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "version "), stdout.String())

	// Skipping training on a fresh directory is a phase failure.
	code = run([]string{
		"-scene", filepath.Join(dir, "scene.yaml"),
		"-grid", "4x4", "-skip-train", "-skip-eval",
		"-out", filepath.Join(dir, "fresh"),
	}, &stdout, &stderr)
	assert.Equal(t, exitPhase, code)
}

func writeYAML(t *testing.T, path string, v any) {
	t.Helper()
	data, err := yaml.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
