package merge

import (
	"slices"
	"sync"

	"github.com/banshee-data/scenegrid/internal/scene"
)

// Strategy names.
const (
	CorePrecedence = "core-precedence"
	BlockOrder     = "block-order"
	Blend          = "blend"

	DefaultStrategy = CorePrecedence
)

// Layout is what a strategy sees: the expected blocks, the completed ones
// (ID order) and their models.
type Layout struct {
	Expected  []scene.Block
	Completed []scene.Block
	Models    map[string]*scene.BlockModel
	BlendCell float64
}

// StrategyDefinition describes a registered overlap-resolution strategy.
type StrategyDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Resolve returns the surviving primitives of the completed blocks.
	// Order does not matter; the engine sorts canonically.
	Resolve func(l *Layout) []scene.Primitive `json:"-"`
}

// Registry holds the available strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*StrategyDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]*StrategyDefinition)}
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&StrategyDefinition{
		Name:        CorePrecedence,
		Description: "keep each primitive only in the block whose core contains it",
		Resolve:     resolveCorePrecedence,
	})
	r.Register(&StrategyDefinition{
		Name:        BlockOrder,
		Description: "take overlap primitives from the lowest block ID whose extended region contains them",
		Resolve:     resolveBlockOrder,
	})
	r.Register(&StrategyDefinition{
		Name:        Blend,
		Description: "average overlap primitives per grid cell, weighted by opacity",
		Resolve:     resolveBlend,
	})
	return r
}

// Register adds def, replacing any strategy of the same name.
func (r *Registry) Register(def *StrategyDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[def.Name] = def
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (*StrategyDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.strategies[name]
	return def, ok
}

// Names lists registered strategies alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
