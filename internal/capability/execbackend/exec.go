// Package execbackend drives external programs as capabilities. Each
// invocation receives its inputs through SCENEGRID_* environment variables
// and files in a scratch directory.
//
// Trainer protocol: the request is at $SCENEGRID_REQUEST; the program writes
// the model JSON to $SCENEGRID_MODEL_OUT and may print "checkpoint <handle>"
// lines on stdout. Exit status 75 (EX_TEMPFAIL) is a transient failure, any
// other non-zero status is permanent.
//
// Renderer protocol: model at $SCENEGRID_MODEL, pose JSON in $SCENEGRID_POSE,
// image (PNG, JPEG or WebP) written to $SCENEGRID_IMAGE_OUT.
//
// Scorer protocol: PNGs at $SCENEGRID_RENDERED and $SCENEGRID_REFERENCE;
// metrics printed on stdout as a JSON object.
package execbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// ExitTempFail is the exit status that marks a transient trainer failure.
const ExitTempFail = 75

var logger = monitoring.Component("exec")

// Config names the commands for each capability.
type Config struct {
	TrainCommand  []string `json:"train_command" yaml:"train_command" toml:"train_command"`
	RenderCommand []string `json:"render_command" yaml:"render_command" toml:"render_command"`
	ScoreCommand  []string `json:"score_command" yaml:"score_command" toml:"score_command"`
	// WorkDir holds request, model and image scratch files.
	WorkDir string   `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty" toml:"env"`
}

// NewBackend builds the exec trainer, renderer and scorer from cfg.
func NewBackend(cfg Config) (capability.Backend, error) {
	if len(cfg.TrainCommand) == 0 || len(cfg.RenderCommand) == 0 || len(cfg.ScoreCommand) == 0 {
		return capability.Backend{}, fmt.Errorf("exec backend: train, render and score commands are required")
	}
	if cfg.WorkDir == "" {
		return capability.Backend{}, fmt.Errorf("exec backend: work_dir is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return capability.Backend{}, fmt.Errorf("exec backend: %w", err)
	}
	return capability.Backend{
		Name:     "exec",
		Trainer:  &Trainer{cfg: cfg},
		Renderer: &Renderer{cfg: cfg},
		Scorer:   &Scorer{cfg: cfg},
	}, nil
}

// Trainer runs the configured training command.
type Trainer struct {
	cfg Config
}

func (t *Trainer) Train(ctx context.Context, req capability.TrainRequest) (*scene.BlockModel, error) {
	dir := filepath.Join(t.cfg.WorkDir, "train", req.Block.ID)
	reqPath := filepath.Join(dir, "request.json")
	outPath := filepath.Join(dir, "model.json")
	data, err := json.Marshal(req)
	if err != nil {
		return nil, capability.Permanentf("encode request: %w", err)
	}
	if err := fsutil.WriteFileAtomic(fsutil.OSFileSystem{}, reqPath, data, 0o644); err != nil {
		return nil, capability.Transient(err)
	}
	_ = os.Remove(outPath)

	cmd := t.cfg.command(ctx, t.cfg.TrainCommand,
		"SCENEGRID_BLOCK="+req.Block.ID,
		"SCENEGRID_DEVICE="+req.Device,
		"SCENEGRID_RESUME="+string(req.Resume),
		"SCENEGRID_REQUEST="+reqPath,
		"SCENEGRID_MODEL_OUT="+outPath,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, capability.Permanent(err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, capability.Permanentf("start trainer: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		if h, ok := strings.CutPrefix(line, "checkpoint "); ok {
			if err := req.ReportCheckpoint(scene.Checkpoint(strings.TrimSpace(h))); err != nil {
				logger.Printf("block %s: checkpoint not recorded: %v", req.Block.ID, err)
			}
			continue
		}
		logger.Printf("block %s: %s", req.Block.ID, line)
	}
	// Drain anything left after a scanner error so Wait does not block.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyExit(err, stderr.String())
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		return nil, capability.Permanentf("trainer wrote no model: %w", err)
	}
	var m scene.BlockModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, capability.Permanentf("decode model: %w", err)
	}
	if m.BlockID == "" {
		m.BlockID = req.Block.ID
	}
	if m.BlockID != req.Block.ID {
		return nil, capability.Permanentf("trainer returned model for block %q", m.BlockID)
	}
	if m.Region.IsZero() {
		m.Region, m.Extended = req.Block.Core, req.Block.Extended
	}
	m.Checksum = ""
	if err := m.Seal(); err != nil {
		return nil, capability.Permanent(err)
	}
	return &m, nil
}

func classifyExit(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitTempFail {
		return capability.Transientf("trainer exited %d: %s", ExitTempFail, msg)
	}
	return capability.Permanentf("trainer failed: %v: %s", err, msg)
}

// Renderer runs the configured render command.
type Renderer struct {
	cfg Config
}

func (r *Renderer) Render(ctx context.Context, model *scene.GlobalModel, pose scene.Pose) (image.Image, error) {
	modelPath := filepath.Join(r.cfg.WorkDir, "models", model.ID+".json")
	if _, err := os.Stat(modelPath); err != nil {
		data, err := scene.Canonical(model)
		if err != nil {
			return nil, &capability.RenderError{Err: err}
		}
		if err := fsutil.WriteFileAtomic(fsutil.OSFileSystem{}, modelPath, data, 0o644); err != nil {
			return nil, &capability.RenderError{Err: err}
		}
	}
	poseJSON, err := json.Marshal(pose)
	if err != nil {
		return nil, &capability.RenderError{Err: err}
	}
	out, err := os.CreateTemp(r.cfg.WorkDir, "render-*.img")
	if err != nil {
		return nil, &capability.RenderError{Err: err}
	}
	out.Close()
	defer os.Remove(out.Name())

	cmd := r.cfg.command(ctx, r.cfg.RenderCommand,
		"SCENEGRID_MODEL="+modelPath,
		"SCENEGRID_POSE="+string(poseJSON),
		"SCENEGRID_IMAGE_OUT="+out.Name(),
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &capability.RenderError{Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))}
	}
	img, err := decodeFile(out.Name())
	if err != nil {
		return nil, &capability.RenderError{Err: err}
	}
	return img, nil
}

// Scorer runs the configured score command.
type Scorer struct {
	cfg Config
}

func (s *Scorer) Score(ctx context.Context, rendered, reference image.Image) (capability.MetricValues, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "score-")
	if err != nil {
		return nil, &capability.MetricError{Err: err}
	}
	defer os.RemoveAll(dir)

	rPath, fPath := filepath.Join(dir, "rendered.png"), filepath.Join(dir, "reference.png")
	if err := writePNG(rPath, rendered); err != nil {
		return nil, &capability.MetricError{Err: err}
	}
	if err := writePNG(fPath, reference); err != nil {
		return nil, &capability.MetricError{Err: err}
	}

	cmd := s.cfg.command(ctx, s.cfg.ScoreCommand,
		"SCENEGRID_RENDERED="+rPath,
		"SCENEGRID_REFERENCE="+fPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &capability.MetricError{Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))}
	}
	var values capability.MetricValues
	if err := json.Unmarshal(bytes.TrimSpace(out), &values); err != nil {
		return nil, &capability.MetricError{Err: fmt.Errorf("decode metrics: %w", err)}
	}
	return values, nil
}

func (c Config) command(ctx context.Context, argv []string, env ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(append(os.Environ(), c.Env...), env...)
	cmd.Dir = c.WorkDir
	return cmd
}

// decodeFile reads a PNG, JPEG or WebP image.
func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
