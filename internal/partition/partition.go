// Package partition splits a scene's ground bounds into a grid of blocks
// with symmetric overlap margins and assigns capture frames to them.
package partition

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultAspectTolerance is the largest cell elongation (long side over
// short side) accepted when no tolerance is configured.
const DefaultAspectTolerance = 4.0

var logger = monitoring.Component("partition")

// Grid is a rows-by-columns block layout. Row 0 is at MinY, column 0 at MinX.
type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (g Grid) String() string { return fmt.Sprintf("%dx%d", g.Rows, g.Cols) }

// Count is the number of blocks in the grid.
func (g Grid) Count() int { return g.Rows * g.Cols }

// ParseGrid parses "RxC" (e.g. "4x4").
func ParseGrid(s string) (Grid, error) {
	r, c, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Grid{}, fmt.Errorf("grid %q: want RxC", s)
	}
	rows, err := strconv.Atoi(r)
	if err != nil {
		return Grid{}, fmt.Errorf("grid %q: rows: %w", s, err)
	}
	cols, err := strconv.Atoi(c)
	if err != nil {
		return Grid{}, fmt.Errorf("grid %q: cols: %w", s, err)
	}
	return Grid{Rows: rows, Cols: cols}, nil
}

// Overlap is the margin added around each core, either as a fraction of the
// cell extent on each axis or as an absolute distance in scene units.
// Exactly one of the two should be set; Fraction wins when both are.
type Overlap struct {
	Fraction float64 `json:"fraction,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// ParseOverlap accepts "5%" (fraction) or a plain number (distance).
func ParseOverlap(s string) (Overlap, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Overlap{}, nil
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return Overlap{}, fmt.Errorf("overlap %q: %w", s, err)
		}
		return Overlap{Fraction: v / 100}, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
	if err != nil {
		return Overlap{}, fmt.Errorf("overlap %q: %w", s, err)
	}
	return Overlap{Distance: v}, nil
}

func (o Overlap) String() string {
	if o.Fraction != 0 {
		return strconv.FormatFloat(o.Fraction*100, 'g', -1, 64) + "%"
	}
	return strconv.FormatFloat(o.Distance, 'g', -1, 64)
}

// margins converts the overlap into per-axis distances for a cell size.
func (o Overlap) margins(cellW, cellH float64) (float64, float64) {
	if o.Fraction != 0 {
		return o.Fraction * cellW, o.Fraction * cellH
	}
	return o.Distance, o.Distance
}

// Options controls Partition. Grid takes precedence over BlockCount.
type Options struct {
	Grid            Grid
	BlockCount      int
	Overlap         Overlap
	AspectTolerance float64
}

// Error is returned for geometry that cannot be partitioned.
type Error struct {
	Reason string
	// Frames lists frames that no block would cover.
	Frames []string
}

func (e *Error) Error() string {
	if len(e.Frames) > 0 {
		return fmt.Sprintf("partition: %s: %s", e.Reason, strings.Join(e.Frames, ", "))
	}
	return "partition: " + e.Reason
}

func errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Partition tiles the scene bounds with a grid of blocks and assigns frames.
// Blocks are returned in row-major ID order.
func Partition(s *scene.Scene, opts Options) ([]scene.Block, error) {
	if err := s.Validate(); err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	b := s.Bounds

	grid := opts.Grid
	if grid.Rows == 0 && grid.Cols == 0 {
		if opts.BlockCount <= 0 {
			return nil, errorf("either grid or block count is required")
		}
		grid = ChooseGrid(b, opts.BlockCount)
	}
	if grid.Rows <= 0 || grid.Cols <= 0 {
		return nil, errorf("invalid grid %s", grid)
	}

	cellW := b.Width() / float64(grid.Cols)
	cellH := b.Height() / float64(grid.Rows)
	tol := opts.AspectTolerance
	if tol <= 0 {
		tol = DefaultAspectTolerance
	}
	if e := elongation(cellW, cellH); e > tol {
		return nil, errorf("grid %s gives %.3gx%.3g cells (elongation %.3g exceeds tolerance %.3g)", grid, cellW, cellH, e, tol)
	}

	if opts.Overlap.Fraction < 0 || opts.Overlap.Distance < 0 {
		return nil, errorf("overlap %s must not be negative", opts.Overlap)
	}
	mx, my := opts.Overlap.margins(cellW, cellH)
	if mx > cellW/2 || my > cellH/2 {
		return nil, errorf("overlap margin %.3gx%.3g exceeds half of the %.3gx%.3g cell", mx, my, cellW, cellH)
	}

	xs := boundaries(b.MinX, b.MaxX, grid.Cols)
	ys := boundaries(b.MinY, b.MaxY, grid.Rows)
	blocks := make([]scene.Block, 0, grid.Count())
	for row := 0; row < grid.Rows; row++ {
		for col := 0; col < grid.Cols; col++ {
			core := scene.Region{MinX: xs[col], MinY: ys[row], MaxX: xs[col+1], MaxY: ys[row+1]}
			blocks = append(blocks, scene.Block{
				ID:         scene.BlockID(row, col, grid.Cols),
				Row:        row,
				Col:        col,
				Core:       core,
				Extended:   core.Expand(mx, my).Clip(b),
				MarginX:    mx,
				MarginY:    my,
				ClosedMaxX: col == grid.Cols-1,
				ClosedMaxY: row == grid.Rows-1,
			})
		}
	}

	if err := Assign(s, blocks); err != nil {
		return nil, err
	}
	logger.Printf("scene %q: %d blocks (%s grid, margin %.3g/%.3g), %d frames", s.Name, len(blocks), grid, mx, my, len(s.Frames))
	return blocks, nil
}

// Assign fills each block's FrameIDs with every frame whose coverage
// intersects the block's extended region. It fails when a frame would be
// left without a block.
func Assign(s *scene.Scene, blocks []scene.Block) error {
	for i := range blocks {
		blocks[i].FrameIDs = blocks[i].FrameIDs[:0]
	}
	var orphans []string
	for _, f := range s.Frames {
		cov := f.Coverage()
		hit := false
		for i := range blocks {
			if blocks[i].Extended.Intersects(cov) {
				blocks[i].FrameIDs = append(blocks[i].FrameIDs, f.ID)
				hit = true
			}
		}
		if !hit {
			orphans = append(orphans, f.ID)
		}
	}
	if len(orphans) > 0 {
		slices.Sort(orphans)
		return &Error{Reason: "frames outside every block", Frames: orphans}
	}
	for i := range blocks {
		slices.Sort(blocks[i].FrameIDs)
	}
	return nil
}

// ChooseGrid picks the rows x cols factorisation of n whose cells are
// closest to square. Ties go to fewer rows.
func ChooseGrid(bounds scene.Region, n int) Grid {
	best := Grid{Rows: 1, Cols: n}
	bestScore := math.Inf(1)
	for rows := 1; rows <= n; rows++ {
		if n%rows != 0 {
			continue
		}
		cols := n / rows
		score := math.Abs(math.Log((bounds.Width() / float64(cols)) / (bounds.Height() / float64(rows))))
		if score < bestScore {
			best, bestScore = Grid{Rows: rows, Cols: cols}, score
		}
	}
	return best
}

// CoreOwner returns the block whose core contains p. Cores tile the bounds,
// so at most one block matches.
func CoreOwner(blocks []scene.Block, p r2.Vec) (scene.Block, bool) {
	for _, b := range blocks {
		if b.CoreContains(p) {
			return b, true
		}
	}
	return scene.Block{}, false
}

// Select returns the blocks named by ids, in block order. Unknown IDs are
// returned separately.
func Select(blocks []scene.Block, ids []string) (selected []scene.Block, unknown []string) {
	if len(ids) == 0 {
		return blocks, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, b := range blocks {
		if want[b.ID] {
			selected = append(selected, b)
			delete(want, b.ID)
		}
	}
	for id := range want {
		unknown = append(unknown, id)
	}
	slices.SortFunc(unknown, scene.CompareBlockIDs)
	return selected, unknown
}

// boundaries splits [lo, hi] into n cells. The last boundary is hi exactly so
// rounding never opens a gap at the far edge.
func boundaries(lo, hi float64, n int) []float64 {
	out := make([]float64, n+1)
	extent := hi - lo
	for i := 0; i < n; i++ {
		out[i] = lo + extent*float64(i)/float64(n)
	}
	out[n] = hi
	return out
}

func elongation(w, h float64) float64 {
	if w > h {
		return w / h
	}
	return h / w
}
