package sim

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// Renderer draws a small grey image whose level is the opacity-weighted
// density of primitives around the pose.
type Renderer struct {
	Size   int
	Radius float64
	Delay  time.Duration
	// Fail, when set, is consulted before rendering each pose.
	Fail func(scene.Pose) error

	mu    sync.Mutex
	calls int
}

// NewRenderer returns a 16x16 renderer with a 50-unit sampling radius.
func NewRenderer() *Renderer {
	return &Renderer{Size: 16, Radius: 50}
}

// Calls returns the number of Render invocations.
func (r *Renderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *Renderer) Render(ctx context.Context, model *scene.GlobalModel, pose scene.Pose) (image.Image, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	if r.Fail != nil {
		if err := r.Fail(pose); err != nil {
			return nil, &capability.RenderError{Err: err}
		}
	}

	var weight float64
	for _, p := range model.Primitives {
		if math.Hypot(p.X-pose.X, p.Y-pose.Y) <= r.Radius {
			weight += p.Opacity
		}
	}
	level := uint8(math.Min(255, 40+weight))
	img := image.NewGray(image.Rect(0, 0, r.Size, r.Size))
	for y := 0; y < r.Size; y++ {
		for x := 0; x < r.Size; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	return img, nil
}
