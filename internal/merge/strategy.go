package merge

import (
	"cmp"
	"math"
	"slices"

	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// DefaultBlendCell is the blend bucket size in scene units.
const DefaultBlendCell = 1.0

func resolveCorePrecedence(l *Layout) []scene.Primitive {
	var out []scene.Primitive
	for _, b := range l.Completed {
		for _, p := range l.Models[b.ID].Primitives {
			p.Source = b.ID
			owner, ok := partition.CoreOwner(l.Expected, p.Ground())
			if ok {
				if owner.ID == b.ID {
					out = append(out, p)
				}
				continue
			}
			// Outside every core: the lowest completed block reaching it wins.
			if first, ok := firstExtended(l.Completed, p); ok && first.ID == b.ID {
				out = append(out, p)
			}
		}
	}
	return out
}

func resolveBlockOrder(l *Layout) []scene.Primitive {
	var out []scene.Primitive
	for _, b := range l.Completed {
		for _, p := range l.Models[b.ID].Primitives {
			p.Source = b.ID
			if first, ok := firstExtended(l.Completed, p); ok && first.ID == b.ID {
				out = append(out, p)
			}
		}
	}
	return out
}

// bucket accumulates blended primitives for one grid cell.
type bucket struct {
	wx, wy, wz, w float64
	opacity       float64
	features      []float64
	n             int
	source        string
}

type cellKey struct{ i, j int64 }

func resolveBlend(l *Layout) []scene.Primitive {
	cell := l.BlendCell
	if cell <= 0 {
		cell = DefaultBlendCell
	}
	buckets := make(map[cellKey]*bucket)
	var out []scene.Primitive
	for _, b := range l.Completed {
		for _, p := range l.Models[b.ID].Primitives {
			p.Source = b.ID
			holders := 0
			for _, o := range l.Completed {
				if o.ExtendedContains(p.Ground()) {
					holders++
				}
			}
			if holders < 2 {
				// Outside the overlap band: only the owner keeps it.
				if owner, ok := partition.CoreOwner(l.Expected, p.Ground()); !ok || owner.ID == b.ID {
					out = append(out, p)
				}
				continue
			}
			key := cellKey{int64(math.Floor(p.X / cell)), int64(math.Floor(p.Y / cell))}
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{source: b.ID}
				buckets[key] = bk
			}
			bk.add(p)
		}
	}

	keys := make([]cellKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b cellKey) int {
		if c := cmp.Compare(a.i, b.i); c != 0 {
			return c
		}
		return cmp.Compare(a.j, b.j)
	})
	for _, k := range keys {
		out = append(out, buckets[k].primitive())
	}
	return out
}

func (b *bucket) add(p scene.Primitive) {
	w := p.Opacity
	if w <= 0 {
		w = 1e-9
	}
	b.wx += w * p.X
	b.wy += w * p.Y
	b.wz += w * p.Z
	b.w += w
	b.opacity += p.Opacity
	if b.n == 0 {
		b.features = make([]float64, len(p.Features))
	}
	if len(p.Features) == len(b.features) {
		for i, f := range p.Features {
			b.features[i] += w * f
		}
	}
	b.n++
}

func (b *bucket) primitive() scene.Primitive {
	p := scene.Primitive{
		X:       b.wx / b.w,
		Y:       b.wy / b.w,
		Z:       b.wz / b.w,
		Opacity: b.opacity / float64(b.n),
		Source:  b.source,
	}
	if len(b.features) > 0 {
		p.Features = make([]float64, len(b.features))
		for i, f := range b.features {
			p.Features[i] = f / b.w
		}
	}
	return p
}

func firstExtended(blocks []scene.Block, p scene.Primitive) (scene.Block, bool) {
	for _, b := range blocks {
		if b.ExtendedContains(p.Ground()) {
			return b, true
		}
	}
	return scene.Block{}, false
}
