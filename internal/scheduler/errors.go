package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCoarseFailed aborts the training phase when the coarse pass fails.
var ErrCoarseFailed = errors.New("coarse pass failed")

// ErrLeaseLost stops a job whose running lease was taken over or released
// behind its back. The worker abandons the job without further writes.
var ErrLeaseLost = errors.New("lease lost")

// MissingArtifactError is returned in skip mode when a selected block (or
// the coarse job) has no completed model to reuse.
type MissingArtifactError struct {
	IDs []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("skip training: no completed model for %s", strings.Join(e.IDs, ", "))
}

// UnknownBlocksError names selector entries that match no block.
type UnknownBlocksError struct {
	IDs []string
}

func (e *UnknownBlocksError) Error() string {
	return fmt.Sprintf("unknown block ids: %s", strings.Join(e.IDs, ", "))
}
