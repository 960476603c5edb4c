package scene

import (
	"strconv"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// CoarseJobID identifies the optional scene-wide coarse training job.
const CoarseJobID = "coarse"

// Block is one spatial partition of the scene. Core regions of all blocks
// tile the scene bounds; Extended adds the overlap margin and is clipped to
// the bounds.
type Block struct {
	ID       string  `json:"id"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	Core     Region  `json:"core"`
	Extended Region  `json:"extended"`
	MarginX  float64 `json:"margin_x"`
	MarginY  float64 `json:"margin_y"`

	// ClosedMaxX and ClosedMaxY mark blocks on the scene's max edges, whose
	// cores include that edge. Every other core is half-open on its max side.
	ClosedMaxX bool `json:"closed_max_x,omitempty"`
	ClosedMaxY bool `json:"closed_max_y,omitempty"`

	FrameIDs []string `json:"frame_ids"`
}

// CoreContains reports whether p falls in the block's core. Adjacent cores
// share boundaries, so the max sides are half-open except on the scene edge.
func (b Block) CoreContains(p r2.Vec) bool {
	c := b.Core
	if p.X < c.MinX || p.Y < c.MinY {
		return false
	}
	if p.X > c.MaxX || (p.X == c.MaxX && !b.ClosedMaxX) {
		return false
	}
	if p.Y > c.MaxY || (p.Y == c.MaxY && !b.ClosedMaxY) {
		return false
	}
	return true
}

// ExtendedContains reports whether p falls in the closed extended region.
func (b Block) ExtendedContains(p r2.Vec) bool { return b.Extended.Contains(p) }

// Equal compares geometry and frame assignment.
func (b Block) Equal(o Block) bool {
	if b.ID != o.ID || b.Row != o.Row || b.Col != o.Col || b.Core != o.Core ||
		b.Extended != o.Extended || b.MarginX != o.MarginX || b.MarginY != o.MarginY ||
		b.ClosedMaxX != o.ClosedMaxX || b.ClosedMaxY != o.ClosedMaxY ||
		len(b.FrameIDs) != len(o.FrameIDs) {
		return false
	}
	for i := range b.FrameIDs {
		if b.FrameIDs[i] != o.FrameIDs[i] {
			return false
		}
	}
	return true
}

// BlockID derives the stable identifier for a grid cell (row-major index).
func BlockID(row, col, cols int) string {
	return strconv.Itoa(row*cols + col)
}

// CompareBlockIDs orders numeric IDs numerically and places them before
// non-numeric IDs, which compare lexically.
func CompareBlockIDs(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// JobState is the lifecycle state of a training job.
type JobState string

const (
	JobPending      JobState = "pending"
	JobRunning      JobState = "running"
	JobCheckpointed JobState = "checkpointed"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
)

// Terminal reports whether no further transition happens without an
// explicit re-run.
func (s JobState) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Checkpoint is an opaque resumable snapshot handle owned by the trainer.
type Checkpoint string

// TrainingJob is the persisted record of one block's (or the coarse pass's)
// training job.
type TrainingJob struct {
	BlockID    string     `json:"block_id"`
	State      JobState   `json:"state"`
	Checkpoint Checkpoint `json:"checkpoint,omitempty"`
	Attempts   int        `json:"attempts"`
	Cause      string     `json:"cause,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
