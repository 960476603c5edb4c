package scene

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Region is an axis-aligned box on the ground plane, in scene coordinates.
type Region struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// RegionFromBox converts a gonum box.
func RegionFromBox(b r2.Box) Region {
	return Region{MinX: b.Min.X, MinY: b.Min.Y, MaxX: b.Max.X, MaxY: b.Max.Y}
}

// PointRegion is the degenerate region covering a single point.
func PointRegion(p r2.Vec) Region {
	return Region{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y}
}

// Box returns the region as a gonum box.
func (r Region) Box() r2.Box {
	return r2.Box{Min: r2.Vec{X: r.MinX, Y: r.MinY}, Max: r2.Vec{X: r.MaxX, Y: r.MaxY}}
}

// Width is the extent along X.
func (r Region) Width() float64 { return r.MaxX - r.MinX }

// Height is the extent along Y.
func (r Region) Height() float64 { return r.MaxY - r.MinY }

// Center returns the midpoint of the region.
func (r Region) Center() r2.Vec {
	b := r.Box()
	return r2.Scale(0.5, r2.Add(b.Min, b.Max))
}

// IsZero reports whether every coordinate is zero (an unset region).
func (r Region) IsZero() bool { return r == Region{} }

// IsEmpty reports whether the region encloses no area.
func (r Region) IsEmpty() bool { return !r.Valid() || r.Width() <= 0 || r.Height() <= 0 }

// Valid reports whether the region is finite and not inverted. Degenerate
// (zero-area) regions are valid.
func (r Region) Valid() bool {
	for _, v := range []float64{r.MinX, r.MinY, r.MaxX, r.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.MinX <= r.MaxX && r.MinY <= r.MaxY
}

// Contains reports whether p lies inside the closed region.
func (r Region) Contains(p r2.Vec) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Intersects reports whether two closed regions share at least one point.
func (r Region) Intersects(o Region) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

// Expand grows the region by dx on both X sides and dy on both Y sides.
func (r Region) Expand(dx, dy float64) Region {
	return Region{MinX: r.MinX - dx, MinY: r.MinY - dy, MaxX: r.MaxX + dx, MaxY: r.MaxY + dy}
}

// Clip intersects r with bounds.
func (r Region) Clip(bounds Region) Region {
	return Region{
		MinX: math.Max(r.MinX, bounds.MinX),
		MinY: math.Max(r.MinY, bounds.MinY),
		MaxX: math.Min(r.MaxX, bounds.MaxX),
		MaxY: math.Min(r.MaxY, bounds.MaxY),
	}
}

// Area is width times height.
func (r Region) Area() float64 { return r.Width() * r.Height() }

func (r Region) String() string {
	return fmt.Sprintf("[%g,%g]x[%g,%g]", r.MinX, r.MaxX, r.MinY, r.MaxY)
}
