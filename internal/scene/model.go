package scene

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/spatial/r2"
)

// Primitive is one reconstruction element as seen by the merge engine.
// Only position and opacity are interpreted; Features are carried through.
type Primitive struct {
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Z        float64   `json:"z"`
	Opacity  float64   `json:"opacity"`
	Features []float64 `json:"features,omitempty"`
	Source   string    `json:"source,omitempty"`
}

// Ground returns the primitive's ground-plane position.
func (p Primitive) Ground() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// ComparePrimitives is the canonical primitive ordering.
func ComparePrimitives(a, b Primitive) int {
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Z, b.Z); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Opacity, b.Opacity); c != 0 {
		return c
	}
	if c := CompareBlockIDs(a.Source, b.Source); c != 0 {
		return c
	}
	return slices.Compare(a.Features, b.Features)
}

// SortPrimitives orders ps canonically in place.
func SortPrimitives(ps []Primitive) { slices.SortStableFunc(ps, ComparePrimitives) }

// BlockModel is the output of a completed training job. Immutable once
// stored; Checksum covers every other field.
type BlockModel struct {
	BlockID    string      `json:"block_id"`
	Region     Region      `json:"region"`
	Extended   Region      `json:"extended"`
	Iterations int         `json:"iterations"`
	Primitives []Primitive `json:"primitives"`
	Payload    []byte      `json:"payload,omitempty"`
	Checksum   string      `json:"checksum,omitempty"`
}

// Seal computes and stores the model checksum.
func (m *BlockModel) Seal() error {
	sum, err := m.computeChecksum()
	if err != nil {
		return err
	}
	m.Checksum = sum
	return nil
}

// Verify reports whether the stored checksum matches the content.
func (m *BlockModel) Verify() error {
	sum, err := m.computeChecksum()
	if err != nil {
		return err
	}
	if sum != m.Checksum {
		return fmt.Errorf("block model %s: checksum mismatch (stored %s, computed %s)", m.BlockID, m.Checksum, sum)
	}
	return nil
}

func (m *BlockModel) computeChecksum() (string, error) {
	c := *m
	c.Checksum = ""
	return checksum(c)
}

// BlockExtent summarises the robust spatial spread of one source block's
// surviving primitives.
type BlockExtent struct {
	BlockID string `json:"block_id"`
	Count   int    `json:"count"`
	Robust  Region `json:"robust"`
}

// GlobalModel is one merge result. Re-merging produces a new GlobalModel;
// existing ones are never modified.
type GlobalModel struct {
	ID            string        `json:"id"`
	Scene         string        `json:"scene"`
	Strategy      string        `json:"strategy"`
	Bounds        Region        `json:"bounds"`
	Complete      bool          `json:"complete"`
	MissingBlocks []string      `json:"missing_blocks,omitempty"`
	SourceBlocks  []string      `json:"source_blocks"`
	BaseLayer     bool          `json:"base_layer"`
	Extents       []BlockExtent `json:"extents,omitempty"`
	Primitives    []Primitive   `json:"primitives"`
	Checksum      string        `json:"checksum,omitempty"`
}

// Seal computes the checksum over everything except ID and Checksum, then
// derives ID from it.
func (g *GlobalModel) Seal() error {
	c := *g
	c.ID, c.Checksum = "", ""
	sum, err := checksum(c)
	if err != nil {
		return err
	}
	g.Checksum = sum
	g.ID = "gm-" + sum[:16]
	return nil
}

// Verify reports whether the stored checksum matches the content.
func (g *GlobalModel) Verify() error {
	c := *g
	c.ID, c.Checksum = "", ""
	sum, err := checksum(c)
	if err != nil {
		return err
	}
	if sum != g.Checksum {
		return fmt.Errorf("global model %s: checksum mismatch", g.ID)
	}
	return nil
}

// Canonical returns the canonical JSON encoding used for checksums and
// artifacts. Struct fields encode in declaration order and map keys sorted,
// so equal values always produce equal bytes.
func Canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return b, nil
}

func checksum(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
