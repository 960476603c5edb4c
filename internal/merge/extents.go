package merge

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scenegrid/internal/scene"
)

// madScale is the number of median absolute deviations kept either side of
// the median.
const madScale = 4.0

// Extents computes per-source robust extents: median ± 4·MAD on each axis,
// clipped to the observed min and max. Results are ordered by block ID.
func Extents(prims []scene.Primitive) []scene.BlockExtent {
	xs := make(map[string][]float64)
	ys := make(map[string][]float64)
	for _, p := range prims {
		xs[p.Source] = append(xs[p.Source], p.X)
		ys[p.Source] = append(ys[p.Source], p.Y)
	}
	ids := make([]string, 0, len(xs))
	for id := range xs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, scene.CompareBlockIDs)

	out := make([]scene.BlockExtent, 0, len(ids))
	for _, id := range ids {
		minX, maxX := robustRange(xs[id])
		minY, maxY := robustRange(ys[id])
		out = append(out, scene.BlockExtent{
			BlockID: id,
			Count:   len(xs[id]),
			Robust:  scene.Region{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY},
		})
	}
	return out
}

func robustRange(v []float64) (float64, float64) {
	s := slices.Clone(v)
	slices.Sort(s)
	med := stat.Quantile(0.5, stat.Empirical, s, nil)
	dev := make([]float64, len(s))
	for i, x := range s {
		dev[i] = math.Abs(x - med)
	}
	slices.Sort(dev)
	mad := stat.Quantile(0.5, stat.Empirical, dev, nil)
	lo := math.Max(s[0], med-madScale*mad)
	hi := math.Min(s[len(s)-1], med+madScale*mad)
	return lo, hi
}
