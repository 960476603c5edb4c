package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/banshee-data/scenegrid/internal/capability"
)

// Scorer computes pixel-wise L1, MSE and PSNR on greyscale.
type Scorer struct {
	// Fail, when set, is consulted before scoring.
	Fail func(rendered image.Image) error
}

func (s Scorer) Score(ctx context.Context, rendered, reference image.Image) (capability.MetricValues, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Fail != nil {
		if err := s.Fail(rendered); err != nil {
			return nil, &capability.MetricError{Err: err}
		}
	}
	rb, fb := rendered.Bounds(), reference.Bounds()
	if rb.Dx() == 0 || rb.Dy() == 0 {
		return nil, &capability.MetricError{Err: fmt.Errorf("empty rendered image")}
	}
	var l1, sq float64
	n := 0
	for y := 0; y < rb.Dy(); y++ {
		for x := 0; x < rb.Dx(); x++ {
			// References of a different size are sampled nearest-neighbour.
			rx := fb.Min.X + x*fb.Dx()/rb.Dx()
			ry := fb.Min.Y + y*fb.Dy()/rb.Dy()
			a := gray(rendered.At(rb.Min.X+x, rb.Min.Y+y))
			b := gray(reference.At(rx, ry))
			d := a - b
			l1 += math.Abs(d)
			sq += d * d
			n++
		}
	}
	mse := sq / float64(n)
	psnr := 100.0
	if mse > 0 {
		psnr = math.Min(100, 10*math.Log10(1/mse))
	}
	return capability.MetricValues{
		"l1":   l1 / float64(n),
		"mse":  mse,
		"psnr": psnr,
	}, nil
}

func gray(c color.Color) float64 {
	return float64(color.GrayModel.Convert(c).(color.Gray).Y) / 255
}
