// Package blockstore is the durable record of a scene run: registered blocks,
// their training job state and checkpoint handles, block models and merged
// global models. Job records live in SQLite; artifacts live under
// <root>/blocks/<id>/ and are written atomically.
//
// Every job transition is a single-row compare-and-swap, so concurrent
// workers never need a store-wide lock.
package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/timeutil"
)

var logger = monitoring.Component("blockstore")

const (
	stateFile      = "state.json"
	checkpointFile = "checkpoint.json"
	modelFile      = "model.json"
)

// Store persists block, job and model records for one run directory.
type Store struct {
	db    *sql.DB
	fs    fsutil.FileSystem
	root  string
	clock timeutil.Clock
}

// New wraps an opened run database. Artifacts are written below root.
func New(database *db.DB, fsys fsutil.FileSystem, root string) *Store {
	return &Store{db: database.DB, fs: fsys, root: root, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// Root is the run directory.
func (s *Store) Root() string { return s.root }

// resolve maps an artifact path recorded in the index, relative to the run
// root, to a path on the filesystem. Absolute paths are used as they are.
func (s *Store) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

// BlockDir is the artifact directory for a block.
func (s *Store) BlockDir(id string) string {
	return filepath.Join(s.root, "blocks", id)
}

// Register records a block and creates its pending job. Registering an
// identical block again is a no-op; registering different geometry under an
// existing ID is a ConflictError.
func (s *Store) Register(ctx context.Context, b scene.Block) error {
	if b.ID == "" {
		return fmt.Errorf("blockstore: register: empty block id")
	}
	geometry, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block %s: %w", b.ID, err)
	}
	kind := "block"
	if b.ID == scene.CoarseJobID {
		kind = "coarse"
	}
	now := s.clock.Now().UnixNano()

	var created bool
	err = db.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existing string
		err = tx.QueryRowContext(ctx, `SELECT geometry_json FROM blocks WHERE block_id = ?`, b.ID).Scan(&existing)
		switch {
		case err == nil:
			if existing != string(geometry) {
				return &ConflictError{ID: b.ID, Reason: "already registered with different geometry"}
			}
			created = false
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup block: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (block_id, kind, ordinal, row_idx, col_idx, geometry_json, frame_count, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, kind, ordinal(b.ID), b.Row, b.Col, string(geometry), len(b.FrameIDs), now,
		); err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (block_id, state, attempts, updated_at) VALUES (?, ?, 0, ?)`,
			b.ID, scene.JobPending, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		created = true
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if created {
		job := scene.TrainingJob{BlockID: b.ID, State: scene.JobPending, UpdatedAt: time.Unix(0, now).UTC()}
		if err := s.writeJSON(filepath.Join(s.BlockDir(b.ID), stateFile), job); err != nil {
			return err
		}
	}
	return nil
}

// Blocks returns registered spatial blocks (not the coarse job) in ID order.
func (s *Store) Blocks(ctx context.Context) ([]scene.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT geometry_json FROM blocks WHERE kind = 'block'`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []scene.Block
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		var b scene.Block
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(blocks, func(a, b scene.Block) int { return scene.CompareBlockIDs(a.ID, b.ID) })
	return blocks, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return fsutil.WriteFileAtomic(s.fs, path, data, 0o644)
}

// ordinal is the numeric sort key stored alongside each block.
func ordinal(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
