// Package merge combines completed block models into one global model.
// Overlap between neighbouring blocks is resolved by a named strategy; the
// result is sorted canonically and sealed, so identical inputs always give a
// byte-identical model.
package merge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

var logger = monitoring.Component("merge")

// IncompleteMergeError names the blocks without a completed model when the
// merge cannot proceed.
type IncompleteMergeError struct {
	Missing []string
	// Reason is set when a partial merge was refused.
	Reason string
}

func (e *IncompleteMergeError) Error() string {
	msg := fmt.Sprintf("merge incomplete: missing blocks %s", strings.Join(e.Missing, ", "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Input is everything one merge consumes.
type Input struct {
	Scene  string
	Bounds scene.Region
	// Blocks are all expected blocks.
	Blocks []scene.Block
	// Models are the completed block models. Models for unknown block IDs
	// are ignored.
	Models []*scene.BlockModel
	// Base is the optional coarse model.
	Base *scene.BlockModel

	// Partial allows a merge with missing blocks, marked incomplete.
	Partial bool
	// MinCompletedFraction refuses partial merges below this share of
	// completed blocks.
	MinCompletedFraction float64

	Strategy  string
	BlendCell float64
	Registry  *Registry
}

// Merge builds the global model for in.
func Merge(ctx context.Context, in Input) (*scene.GlobalModel, error) {
	reg := in.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	name := in.Strategy
	if name == "" {
		name = DefaultStrategy
	}
	strategy, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("merge: unknown strategy %q (have %s)", name, strings.Join(reg.Names(), ", "))
	}

	expected := slices.Clone(in.Blocks)
	slices.SortFunc(expected, func(a, b scene.Block) int { return scene.CompareBlockIDs(a.ID, b.ID) })

	models := make(map[string]*scene.BlockModel, len(in.Models))
	for _, m := range in.Models {
		if err := m.Verify(); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		models[m.BlockID] = m
	}

	var completed []scene.Block
	var missing []string
	for _, b := range expected {
		if _, ok := models[b.ID]; ok {
			completed = append(completed, b)
		} else {
			missing = append(missing, b.ID)
		}
	}
	for id := range models {
		if !slices.ContainsFunc(expected, func(b scene.Block) bool { return b.ID == id }) {
			logger.Printf("ignoring model for unknown block %s", id)
		}
	}

	if len(missing) > 0 {
		if !in.Partial {
			return nil, &IncompleteMergeError{Missing: missing}
		}
		if len(completed) == 0 {
			return nil, &IncompleteMergeError{Missing: missing, Reason: "no completed blocks"}
		}
		frac := float64(len(completed)) / float64(len(expected))
		if frac < in.MinCompletedFraction {
			return nil, &IncompleteMergeError{
				Missing: missing,
				Reason:  fmt.Sprintf("completed fraction %.2f below minimum %.2f", frac, in.MinCompletedFraction),
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	layout := &Layout{Expected: expected, Completed: completed, Models: models, BlendCell: in.BlendCell}
	prims := strategy.Resolve(layout)

	baseLayer := false
	if in.Base != nil {
		if err := in.Base.Verify(); err != nil {
			return nil, fmt.Errorf("merge: coarse base: %w", err)
		}
		for _, p := range in.Base.Primitives {
			if !in.Bounds.Contains(p.Ground()) || coveredByCore(completed, p) {
				continue
			}
			p.Source = scene.CoarseJobID
			prims = append(prims, p)
			baseLayer = true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Copy so the resolved slice never aliases a stored model.
	prims = slices.Clone(prims)
	scene.SortPrimitives(prims)

	sources := make([]string, len(completed))
	for i, b := range completed {
		sources[i] = b.ID
	}
	g := &scene.GlobalModel{
		Scene:         in.Scene,
		Strategy:      strategy.Name,
		Bounds:        in.Bounds,
		Complete:      len(missing) == 0,
		MissingBlocks: missing,
		SourceBlocks:  sources,
		BaseLayer:     baseLayer,
		Extents:       Extents(prims),
		Primitives:    prims,
	}
	if err := g.Seal(); err != nil {
		return nil, err
	}
	logger.Printf("merged %d/%d blocks with %s: %d primitives, model %s", len(completed), len(expected), strategy.Name, len(prims), g.ID)
	return g, nil
}

func coveredByCore(blocks []scene.Block, p scene.Primitive) bool {
	for _, b := range blocks {
		if b.CoreContains(p.Ground()) {
			return true
		}
	}
	return false
}
