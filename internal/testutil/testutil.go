// Package testutil provides shared test fixtures: synthetic scenes, test
// views and reference images.
package testutil

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// GridScene builds a w x h scene with an nx x ny lattice of frames. Each
// frame's footprint is a square of side min(cell)/2 centred on its pose and
// clipped to the bounds.
func GridScene(name string, w, h float64, nx, ny int) *scene.Scene {
	bounds := scene.Region{MaxX: w, MaxY: h}
	s := &scene.Scene{Name: name, Frame: "ENU", Bounds: bounds}
	dx, dy := w/float64(nx), h/float64(ny)
	half := min(dx, dy) / 4
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x, y := dx*(float64(i)+0.5), dy*(float64(j)+0.5)
			s.Frames = append(s.Frames, scene.Frame{
				ID:        fmt.Sprintf("f%03d", j*nx+i),
				Image:     fmt.Sprintf("images/f%03d.jpg", j*nx+i),
				Pose:      scene.Pose{X: x, Y: y, Z: 150, Pitch: -90},
				Footprint: scene.Region{MinX: x - half, MinY: y - half, MaxX: x + half, MaxY: y + half}.Clip(bounds),
			})
		}
	}
	return s
}

// TestViews returns n views spread along the scene diagonal, with reference
// paths under dir (not created; see WriteReferences).
func TestViews(n int, bounds scene.Region, dir string) []scene.TestView {
	views := make([]scene.TestView, n)
	for i := range views {
		t := (float64(i) + 0.5) / float64(n)
		views[i] = scene.TestView{
			ID:        fmt.Sprintf("view-%02d", i),
			Pose:      scene.Pose{X: bounds.MinX + t*bounds.Width(), Y: bounds.MinY + t*bounds.Height(), Z: 80, Pitch: -45},
			Reference: filepath.Join(dir, fmt.Sprintf("view-%02d.png", i)),
		}
	}
	return views
}

// WriteReferences writes a small solid PNG for every view's reference path.
func WriteReferences(t testing.TB, views []scene.TestView) {
	t.Helper()
	for i, v := range views {
		img := SolidImage(16, 16, color.Gray{Y: uint8(40 + 10*i)})
		if err := os.MkdirAll(filepath.Dir(v.Reference), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		f, err := os.Create(v.Reference)
		if err != nil {
			t.Fatalf("create reference: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			t.Fatalf("encode reference: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close reference: %v", err)
		}
	}
}

// SolidImage returns a w x h image filled with c.
func SolidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// QuietLogs silences the monitoring logger. The logger is process-wide, so
// it stays muted for the rest of the test binary.
func QuietLogs(t testing.TB) {
	t.Helper()
	monitoring.SetLogger(nil)
}
