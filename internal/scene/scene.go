package scene

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r2"
	"gopkg.in/yaml.v3"
)

// maxDescriptorSize bounds scene and test-view descriptors read from disk.
const maxDescriptorSize = 64 << 20

// Pose is a camera position plus orientation in degrees.
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
}

// Ground returns the pose projected onto the ground plane.
func (p Pose) Ground() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// Frame is one captured image with its pose and ground footprint.
type Frame struct {
	ID        string `json:"id" yaml:"id"`
	Image     string `json:"image" yaml:"image"`
	Pose      Pose   `json:"pose" yaml:"pose"`
	Footprint Region `json:"footprint,omitempty" yaml:"footprint,omitempty"`
}

// Coverage returns the ground footprint, falling back to the pose's ground
// point when no footprint was supplied.
func (f Frame) Coverage() Region {
	if f.Footprint.IsZero() {
		return PointRegion(f.Pose.Ground())
	}
	return f.Footprint
}

// Scene is the immutable capture input: bounds, coordinate frame and frames.
type Scene struct {
	Name   string  `json:"name" yaml:"name"`
	Frame  string  `json:"frame" yaml:"frame"`
	Bounds Region  `json:"bounds" yaml:"bounds"`
	Frames []Frame `json:"frames" yaml:"frames"`
}

// Validate rejects scenes the partitioner cannot cover: empty or inverted
// bounds, duplicate frame IDs, and frames whose footprint misses the bounds.
func (s *Scene) Validate() error {
	if s.Bounds.IsEmpty() {
		return fmt.Errorf("scene %q: bounds %v must have positive area", s.Name, s.Bounds)
	}
	seen := make(map[string]bool, len(s.Frames))
	for i, f := range s.Frames {
		if f.ID == "" {
			return fmt.Errorf("scene %q: frame %d has no id", s.Name, i)
		}
		if seen[f.ID] {
			return fmt.Errorf("scene %q: duplicate frame id %q", s.Name, f.ID)
		}
		seen[f.ID] = true
		cov := f.Coverage()
		if !cov.Valid() {
			return fmt.Errorf("scene %q: frame %q has invalid footprint %v", s.Name, f.ID, cov)
		}
		if !cov.Intersects(s.Bounds) {
			return fmt.Errorf("scene %q: frame %q footprint %v lies outside bounds %v", s.Name, f.ID, cov, s.Bounds)
		}
	}
	return nil
}

// FrameByID indexes the scene's frames.
func (s *Scene) FrameByID() map[string]Frame {
	out := make(map[string]Frame, len(s.Frames))
	for _, f := range s.Frames {
		out[f.ID] = f
	}
	return out
}

// LoadScene reads a YAML (or JSON) scene descriptor and validates it.
// Relative frame image paths are resolved against the descriptor's directory.
func LoadScene(path string) (*Scene, error) {
	data, err := readDescriptor(path)
	if err != nil {
		return nil, err
	}
	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scene descriptor %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = trimExt(filepath.Base(path))
	}
	base := filepath.Dir(path)
	for i := range s.Frames {
		if s.Frames[i].Image != "" && !filepath.IsAbs(s.Frames[i].Image) {
			s.Frames[i].Image = filepath.Join(base, s.Frames[i].Image)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func readDescriptor(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat descriptor: %w", err)
	}
	if info.Size() > maxDescriptorSize {
		return nil, fmt.Errorf("descriptor too large: %d bytes (max %d)", info.Size(), maxDescriptorSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return data, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
