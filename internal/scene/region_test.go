package scene

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestRegionGeometry(t *testing.T) {
	t.Parallel()

	r := Region{MinX: 0, MinY: 10, MaxX: 40, MaxY: 30}
	assert.Equal(t, 40.0, r.Width())
	assert.Equal(t, 20.0, r.Height())
	assert.Equal(t, 800.0, r.Area())
	assert.Equal(t, r2.Vec{X: 20, Y: 20}, r.Center())
	assert.Equal(t, r, RegionFromBox(r.Box()))
	assert.Equal(t, "[0,40]x[10,30]", r.String())
}

func TestRegionValidity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		r         Region
		wantValid bool
		wantEmpty bool
	}{
		{"normal", Region{0, 0, 1, 1}, true, false},
		{"point", PointRegion(r2.Vec{X: 3, Y: 4}), true, true},
		{"inverted", Region{2, 0, 1, 1}, false, true},
		{"nan", Region{math.NaN(), 0, 1, 1}, false, true},
		{"inf", Region{0, 0, math.Inf(1), 1}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantValid, tt.r.Valid())
			assert.Equal(t, tt.wantEmpty, tt.r.IsEmpty())
		})
	}
	assert.True(t, Region{}.IsZero())
}

func TestRegionContainsAndIntersects(t *testing.T) {
	t.Parallel()

	r := Region{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	assert.True(t, r.Contains(r2.Vec{X: 10, Y: 10}), "closed on max edge")
	assert.True(t, r.Contains(r2.Vec{X: 0, Y: 5}))
	assert.False(t, r.Contains(r2.Vec{X: 10.01, Y: 5}))

	assert.True(t, r.Intersects(Region{MinX: 10, MinY: 0, MaxX: 20, MaxY: 10}), "shared edge")
	assert.True(t, r.Intersects(PointRegion(r2.Vec{X: 5, Y: 5})))
	assert.False(t, r.Intersects(Region{MinX: 11, MinY: 0, MaxX: 20, MaxY: 10}))
}

func TestRegionExpandClip(t *testing.T) {
	t.Parallel()

	bounds := Region{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	core := Region{MinX: 0, MinY: 50, MaxX: 25, MaxY: 100}
	got := core.Expand(5, 2).Clip(bounds)
	assert.Equal(t, Region{MinX: 0, MinY: 48, MaxX: 30, MaxY: 100}, got)
}
