package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// GlobalModelFile is the current merged model, relative to the run root.
const GlobalModelFile = "global_model.json.zst"

// PutModel stores the model for block id. Models are immutable: storing the
// same content again is a no-op, different content is a ConflictError.
func (s *Store) PutModel(ctx context.Context, id string, m *scene.BlockModel) error {
	if m.BlockID != id {
		return fmt.Errorf("blockstore: model for %q stored under %q", m.BlockID, id)
	}
	if m.Checksum == "" {
		if err := m.Seal(); err != nil {
			return err
		}
	} else if err := m.Verify(); err != nil {
		return err
	}
	data, err := scene.Canonical(m)
	if err != nil {
		return err
	}
	rel := filepath.Join("blocks", id, modelFile)
	path := s.resolve(rel)
	now := s.clock.Now().UnixNano()

	return db.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existing string
		err = tx.QueryRowContext(ctx, `SELECT checksum FROM models WHERE block_id = ?`, id).Scan(&existing)
		switch {
		case err == nil:
			if existing == m.Checksum {
				return nil
			}
			return &ConflictError{ID: id, Reason: fmt.Sprintf("model already stored with checksum %.12s", existing)}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup model: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO models (block_id, checksum, path, primitive_count, iterations, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, m.Checksum, rel, len(m.Primitives), m.Iterations, now,
		); err != nil {
			if isForeignKey(err) {
				return &NotFoundError{Kind: "block", ID: id}
			}
			return fmt.Errorf("insert model: %w", err)
		}
		// The artifact is written inside the transaction so a failed write
		// leaves no index row pointing at it.
		if err := fsutil.WriteFileAtomic(s.fs, path, data, 0o644); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetModel loads and verifies the stored model for id.
func (s *Store) GetModel(ctx context.Context, id string) (*scene.BlockModel, error) {
	var path, sum string
	err := s.db.QueryRowContext(ctx, `SELECT path, checksum FROM models WHERE block_id = ?`, id).Scan(&path, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "model", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup model %s: %w", id, err)
	}
	data, err := s.fs.ReadFile(s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", id, err)
	}
	var m scene.BlockModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", id, err)
	}
	if m.Checksum != sum {
		return nil, fmt.Errorf("model %s: artifact checksum %s does not match index %s", id, m.Checksum, sum)
	}
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListCompleted returns the models of every completed spatial block, ordered
// by numeric block ID. The coarse model is excluded; use GetModel.
func (s *Store) ListCompleted(ctx context.Context) ([]*scene.BlockModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.block_id FROM jobs j JOIN blocks b ON b.block_id = j.block_id
		WHERE j.state = 'completed' AND b.kind = 'block'`)
	if err != nil {
		return nil, fmt.Errorf("query completed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan completed: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(ids, scene.CompareBlockIDs)

	models := make([]*scene.BlockModel, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetModel(ctx, id)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// PutGlobalModel writes g as the run's current global model and keeps a
// copy under global_models/<id>. Earlier models are superseded, not changed.
func (s *Store) PutGlobalModel(ctx context.Context, runID string, g *scene.GlobalModel) (string, error) {
	if g.Checksum == "" {
		if err := g.Seal(); err != nil {
			return "", err
		}
	}
	data, err := EncodeGlobalModel(g)
	if err != nil {
		return "", err
	}
	archived := filepath.Join("global_models", g.ID+".json.zst")
	if err := fsutil.WriteFileAtomic(s.fs, s.resolve(archived), data, 0o644); err != nil {
		return "", err
	}
	current := filepath.Join(s.root, GlobalModelFile)
	if err := fsutil.WriteFileAtomic(s.fs, current, data, 0o644); err != nil {
		return "", err
	}
	missing, err := json.Marshal(g.MissingBlocks)
	if err != nil {
		return "", err
	}
	now := s.clock.Now().UnixNano()
	err = db.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO global_models (model_id, run_id, checksum, strategy, complete, missing_json, path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (model_id) DO UPDATE SET run_id = excluded.run_id, created_at = excluded.created_at`,
			g.ID, nullStr(runID), g.Checksum, g.Strategy, g.Complete, string(missing), archived, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert global model: %w", err)
	}
	logger.Printf("global model %s stored (%d primitives, complete=%v)", g.ID, len(g.Primitives), g.Complete)
	return current, nil
}

// LatestGlobalModel loads the most recently stored global model.
func (s *Store) LatestGlobalModel(ctx context.Context) (*scene.GlobalModel, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT path FROM global_models ORDER BY created_at DESC, model_id LIMIT 1`).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "global model", ID: "latest"}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup global model: %w", err)
	}
	data, err := s.fs.ReadFile(s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("read global model: %w", err)
	}
	return DecodeGlobalModel(data)
}

// EncodeGlobalModel produces the zstd-compressed canonical JSON artifact.
func EncodeGlobalModel(g *scene.GlobalModel) ([]byte, error) {
	raw, err := scene.Canonical(g)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodeGlobalModel reverses EncodeGlobalModel and verifies the checksum.
func DecodeGlobalModel(data []byte) (*scene.GlobalModel, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress global model: %w", err)
	}
	var g scene.GlobalModel
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode global model: %w", err)
	}
	if err := g.Verify(); err != nil {
		return nil, err
	}
	return &g, nil
}

func isForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
