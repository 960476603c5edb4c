package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/version"
)

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run is one orchestrator invocation against the run directory.
type Run struct {
	ID         string          `json:"run_id"`
	Scene      string          `json:"scene"`
	Version    string          `json:"version"`
	Status     string          `json:"status"`
	Config     json.RawMessage `json:"config,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// BeginRun records a new run and returns its ID, which doubles as the job
// lease owner.
func (s *Store) BeginRun(ctx context.Context, sceneName string, config any) (string, error) {
	id := uuid.New().String()
	var cfg interface{}
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return "", fmt.Errorf("encode run config: %w", err)
		}
		cfg = string(b)
	}
	err := db.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, scene, version, config_json, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, sceneName, version.Version, cfg, RunRunning, s.clock.Now().UnixNano())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final status and summary.
func (s *Store) FinishRun(ctx context.Context, id, status string, summary any) error {
	var sum interface{}
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode run summary: %w", err)
		}
		sum = string(b)
	}
	var affected int64
	err := db.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, summary_json = ?, finished_at = ? WHERE run_id = ?`,
			status, sum, s.clock.Now().UnixNano(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Kind: "run", ID: id}
	}
	return nil
}

// GetRun loads a run record.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r        Run
		cfg, sum sql.NullString
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, scene, version, status, config_json, summary_json, started_at, finished_at
		FROM runs WHERE run_id = ?`, id).Scan(&r.ID, &r.Scene, &r.Version, &r.Status, &cfg, &sum, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if cfg.Valid {
		r.Config = json.RawMessage(cfg.String)
	}
	if sum.Valid {
		r.Summary = json.RawMessage(sum.String)
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

// MetricRecord is one row of the append-only evaluation record: either a
// scored view or an excluded one with its failure stage and cause.
type MetricRecord struct {
	ViewID     string             `json:"view_id"`
	Values     map[string]float64 `json:"values,omitempty"`
	RenderTime time.Duration      `json:"render_time_ns"`
	Excluded   bool               `json:"excluded"`
	Stage      string             `json:"stage,omitempty"`
	Cause      string             `json:"cause,omitempty"`
}

// AppendMetrics appends evaluation records for a run and model in one
// transaction.
func (s *Store) AppendMetrics(ctx context.Context, runID, modelID string, records []MetricRecord) error {
	now := s.clock.Now().UnixNano()
	return db.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metric_results (result_id, run_id, model_id, view_id, values_json, render_ns, excluded, stage, cause, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare metric insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range records {
			var values interface{}
			if r.Values != nil {
				b, err := json.Marshal(r.Values)
				if err != nil {
					return fmt.Errorf("encode metrics for %s: %w", r.ViewID, err)
				}
				values = string(b)
			}
			if _, err := stmt.ExecContext(ctx, uuid.New().String(), runID, modelID, r.ViewID, values,
				int64(r.RenderTime), r.Excluded, nullStr(r.Stage), nullStr(r.Cause), now); err != nil {
				return fmt.Errorf("insert metric for %s: %w", r.ViewID, err)
			}
		}
		return tx.Commit()
	})
}

// Metrics returns the records appended for a run, ordered by view ID.
func (s *Store) Metrics(ctx context.Context, runID string) ([]MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT view_id, values_json, render_ns, excluded, stage, cause
		FROM metric_results WHERE run_id = ? ORDER BY view_id, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var (
			r            MetricRecord
			values       sql.NullString
			renderNS     int64
			stage, cause sql.NullString
		)
		if err := rows.Scan(&r.ViewID, &values, &renderNS, &r.Excluded, &stage, &cause); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if values.Valid {
			if err := json.Unmarshal([]byte(values.String), &r.Values); err != nil {
				return nil, fmt.Errorf("decode metrics for %s: %w", r.ViewID, err)
			}
		}
		r.RenderTime = time.Duration(renderNS)
		r.Stage, r.Cause = stage.String, cause.String
		out = append(out, r)
	}
	return out, rows.Err()
}
