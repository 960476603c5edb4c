package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// predecessors lists, for each target state, the states it may be entered
// from. Anything else is a ConflictError.
var predecessors = map[scene.JobState][]scene.JobState{
	scene.JobRunning:      {scene.JobPending, scene.JobCheckpointed},
	scene.JobCheckpointed: {scene.JobRunning},
	scene.JobCompleted:    {scene.JobRunning},
	scene.JobFailed:       {scene.JobRunning},
	scene.JobPending:      {scene.JobRunning, scene.JobCheckpointed, scene.JobFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to scene.JobState) bool {
	return slices.Contains(predecessors[to], from)
}

// Transition carries the details recorded with a state change.
type Transition struct {
	// Owner is the lease holder. Entering running records it; leaving
	// running is refused when a different owner holds the lease.
	Owner string
	// Cause is recorded on the job (failure reason, interruption note).
	Cause string
}

const jobColumns = `block_id, state, checkpoint, attempts, cause, owner, updated_at`

// GetState returns the job record for id.
func (s *Store) GetState(ctx context.Context, id string) (*scene.TrainingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE block_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "block", ID: id}
	}
	return job, err
}

// Jobs returns every job record (coarse included) in ID order.
func (s *Store) Jobs(ctx context.Context) ([]scene.TrainingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scene.TrainingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(jobs, func(a, b scene.TrainingJob) int { return scene.CompareBlockIDs(a.BlockID, b.BlockID) })
	return jobs, nil
}

// SetState moves job id to state `to` with a single compare-and-swap. The
// update only applies when the current state is an allowed predecessor
// (and, when leaving running with an owner given, the lease matches).
// Entering running counts an attempt; re-running a failed job resets the
// count. Completing requires a stored model.
func (s *Store) SetState(ctx context.Context, id string, to scene.JobState, tr Transition) (*scene.TrainingJob, error) {
	from, ok := predecessors[to]
	if !ok {
		return nil, &ConflictError{ID: id, To: to, Reason: "unknown target state"}
	}
	now := s.clock.Now().UnixNano()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `
		UPDATE jobs SET
			state = ?,
			attempts = CASE
				WHEN ? = 'running' THEN attempts + 1
				WHEN state = 'failed' THEN 0
				ELSE attempts END,
			owner = ?,
			cause = ?,
			updated_at = ?
		WHERE block_id = ? AND state IN (` + placeholders + `)
		  AND (state != 'running' OR ? = '' OR owner IS NULL OR owner = ?)`
	args := []interface{}{to, to, nil, nullStr(tr.Cause), now, id}
	if to == scene.JobRunning {
		args[2] = nullStr(tr.Owner)
	}
	for _, st := range from {
		args = append(args, st)
	}
	args = append(args, tr.Owner, tr.Owner)
	if to == scene.JobCompleted {
		query += ` AND EXISTS (SELECT 1 FROM models m WHERE m.block_id = jobs.block_id)`
	}

	var affected int64
	err := db.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		return nil, s.explainRefusal(ctx, id, to, tr)
	}
	job, err := s.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.writeJSON(filepath.Join(s.BlockDir(id), stateFile), job); err != nil {
		return nil, err
	}
	return job, nil
}

// explainRefusal turns a CAS miss into NotFoundError or ConflictError.
func (s *Store) explainRefusal(ctx context.Context, id string, to scene.JobState, tr Transition) error {
	cur, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	conflict := &ConflictError{ID: id, From: cur.State, To: to}
	switch {
	case !CanTransition(cur.State, to):
		conflict.Reason = "transition not allowed"
	case cur.State == scene.JobRunning && tr.Owner != "" && cur.Owner != "" && cur.Owner != tr.Owner:
		conflict.Reason = fmt.Sprintf("lease held by %s", cur.Owner)
	case to == scene.JobCompleted:
		conflict.Reason = "no model stored"
	default:
		conflict.Reason = "state changed concurrently"
	}
	return conflict
}

// PutCheckpoint records the latest checkpoint handle for a running (or
// checkpointed) job. The handle is stored verbatim.
func (s *Store) PutCheckpoint(ctx context.Context, id string, handle scene.Checkpoint) error {
	now := s.clock.Now().UnixNano()
	var affected int64
	err := db.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET checkpoint = ?, updated_at = ?
			WHERE block_id = ? AND state IN ('running', 'checkpointed')`,
			nullStr(string(handle)), now, id)
		if err != nil {
			return fmt.Errorf("update checkpoint %s: %w", id, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		cur, err := s.GetState(ctx, id)
		if err != nil {
			return err
		}
		return &ConflictError{ID: id, From: cur.State, Reason: "checkpoint outside a running job"}
	}
	rec := struct {
		BlockID    string           `json:"block_id"`
		Checkpoint scene.Checkpoint `json:"checkpoint"`
		UpdatedAt  time.Time        `json:"updated_at"`
	}{id, handle, time.Unix(0, now).UTC()}
	return s.writeJSON(filepath.Join(s.BlockDir(id), checkpointFile), rec)
}

// Heartbeat refreshes the lease owner holds on a running job. It returns a
// ConflictError once the job is no longer running under owner.
func (s *Store) Heartbeat(ctx context.Context, id, owner string) error {
	now := s.clock.Now().UnixNano()
	var affected int64
	err := db.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET updated_at = ?
			WHERE block_id = ? AND state = 'running' AND owner = ?`,
			now, id, owner)
		if err != nil {
			return fmt.Errorf("heartbeat %s: %w", id, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		cur, err := s.GetState(ctx, id)
		if err != nil {
			return err
		}
		conflict := &ConflictError{ID: id, From: cur.State, To: scene.JobRunning, Reason: "lease lost"}
		if cur.State == scene.JobRunning && cur.Owner != "" {
			conflict.Reason = fmt.Sprintf("lease held by %s", cur.Owner)
		}
		return conflict
	}
	return nil
}

// RecoverStale releases running leases not held by owner whose last
// heartbeat is older than ttl, left behind by a crashed process. Jobs with
// a checkpoint become checkpointed, others pending. Each release is
// conditioned on the stale owner and heartbeat, so a lease refreshed in
// the meantime is left alone. Returns the recovered IDs.
func (s *Store) RecoverStale(ctx context.Context, owner string, ttl time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-ttl).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, COALESCE(owner, ''), COALESCE(checkpoint, ''), updated_at
		FROM jobs
		WHERE state = 'running' AND (owner IS NULL OR owner != ?) AND updated_at < ?`,
		owner, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	type stale struct {
		id, owner, checkpoint string
		updated               int64
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.owner, &st.checkpoint, &st.updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []string
	for _, st := range found {
		to := scene.JobPending
		if st.checkpoint != "" {
			to = scene.JobCheckpointed
		}
		now := s.clock.Now().UnixNano()
		var affected int64
		err := db.RetryOnBusy(ctx, func() error {
			res, err := s.db.ExecContext(ctx, `
				UPDATE jobs SET state = ?, owner = NULL, cause = ?, updated_at = ?
				WHERE block_id = ? AND state = 'running'
				  AND COALESCE(owner, '') = ? AND updated_at = ?`,
				to, "recovered stale lease", now, st.id, st.owner, st.updated)
			if err != nil {
				return fmt.Errorf("recover job %s: %w", st.id, err)
			}
			affected, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return recovered, err
		}
		if affected == 0 {
			continue
		}
		job, err := s.GetState(ctx, st.id)
		if err != nil {
			return recovered, err
		}
		if err := s.writeJSON(filepath.Join(s.BlockDir(st.id), stateFile), job); err != nil {
			return recovered, err
		}
		logger.Printf("recovered stale job %s (owner %q, idle %s) -> %s",
			st.id, st.owner, time.Duration(now-st.updated).Round(time.Millisecond), to)
		recovered = append(recovered, st.id)
	}
	slices.SortFunc(recovered, scene.CompareBlockIDs)
	return recovered, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*scene.TrainingJob, error) {
	var (
		job        scene.TrainingJob
		state      string
		checkpoint sql.NullString
		cause      sql.NullString
		owner      sql.NullString
		updated    int64
	)
	if err := r.Scan(&job.BlockID, &state, &checkpoint, &job.Attempts, &cause, &owner, &updated); err != nil {
		return nil, err
	}
	job.State = scene.JobState(state)
	job.Checkpoint = scene.Checkpoint(checkpoint.String)
	job.Cause = cause.String
	job.Owner = owner.String
	job.UpdatedAt = time.Unix(0, updated).UTC()
	return &job, nil
}
