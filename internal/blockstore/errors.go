package blockstore

import (
	"errors"
	"fmt"

	"github.com/banshee-data/scenegrid/internal/scene"
)

// ErrNotFound is wrapped by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown block, model or run.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blockstore: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a write the store refused: an illegal state
// transition, a lease held by another owner, a re-registration with
// different geometry, or a second model with different content.
type ConflictError struct {
	ID     string
	From   scene.JobState
	To     scene.JobState
	Reason string
}

func (e *ConflictError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("blockstore: block %q: %s -> %s: %s", e.ID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("blockstore: block %q: %s", e.ID, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
