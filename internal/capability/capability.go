// Package capability defines the external collaborators the orchestrator
// drives but does not implement: the per-block trainer, the renderer and
// the metric scorer. Backends live in subpackages.
package capability

import (
	"context"
	"image"

	"github.com/banshee-data/scenegrid/internal/scene"
)

// TrainRequest is everything a trainer receives for one job.
type TrainRequest struct {
	Block  scene.Block   `json:"block"`
	Frames []scene.Frame `json:"frames"`
	// Resume is the checkpoint to continue from, empty for a fresh start.
	Resume scene.Checkpoint `json:"resume,omitempty"`
	// Base is the coarse model, when a coarse pass ran.
	Base   *scene.BlockModel `json:"base,omitempty"`
	Device string            `json:"device,omitempty"`

	// Checkpoint reports a new resumable handle. The orchestrator persists
	// it before returning; trainers should treat an error as advisory.
	Checkpoint func(scene.Checkpoint) error `json:"-"`
}

// ReportCheckpoint calls the Checkpoint callback when set.
func (r TrainRequest) ReportCheckpoint(h scene.Checkpoint) error {
	if r.Checkpoint == nil {
		return nil
	}
	return r.Checkpoint(h)
}

// Trainer fits one block (or the coarse pass). Failures should be wrapped
// in TransientError or PermanentError; unclassified errors are treated as
// permanent.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) (*scene.BlockModel, error)
}

// Renderer produces an image of a global model from a pose.
type Renderer interface {
	Render(ctx context.Context, model *scene.GlobalModel, pose scene.Pose) (image.Image, error)
}

// MetricValues maps metric name to value, e.g. "psnr" -> 27.4.
type MetricValues map[string]float64

// Scorer compares a rendered image with its reference.
type Scorer interface {
	Score(ctx context.Context, rendered, reference image.Image) (MetricValues, error)
}

// Backend bundles the three capabilities of one implementation.
type Backend struct {
	Name     string
	Trainer  Trainer
	Renderer Renderer
	Scorer   Scorer
}
