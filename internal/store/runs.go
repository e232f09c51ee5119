package store

// runs.go keeps the bookkeeping for import runs: a history row per run,
// defects captured with their source locations for later export, and
// rollback of committed runs by run ID.

import (
	"context"
	"fmt"
	"time"

	"github.com/coursemill/coursemill/internal/engine"
	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// RecordStart inserts a history row for a newly started run.
// Implements engine.RunRecorder.
func (s *Store) RecordStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_runs (id, status, started_at)
		VALUES ($1, 'running', $2)`,
		runID, startedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordFinish updates the run's history row with its terminal status and
// counts, and stores every defect with its source location.
// Implements engine.RunRecorder.
func (s *Store) RecordFinish(ctx context.Context, runID uuid.UUID, report engine.Report) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_runs
		SET status = $2, imported = $3, rejected = $4, duration_ms = $5
		WHERE id = $1`,
		runID,
		string(report.Status),
		report.TotalImported(),
		report.TotalRejected(),
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	for _, d := range report.Defects {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO import_defects (run_id, stage, code, entity_type, natural_key, field, value, sheet, row_num, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			runID,
			d.Stage,
			string(d.Code),
			textOrNull(string(d.EntityType)),
			textOrNull(d.NaturalKey),
			textOrNull(d.Field),
			textOrNull(d.Value),
			textOrNull(d.Location.Sheet),
			d.Location.Row,
			d.Message,
		)
		if err != nil {
			return fmt.Errorf("insert defect: %w", err)
		}
	}
	return nil
}

// RunEntry is one row of the run history listing.
type RunEntry struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Imported   int       `json:"imported"`
	Rejected   int       `json:"rejected"`
	DurationMs int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
}

// ListRuns returns run history, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, imported, rejected, duration_ms, started_at
		FROM import_runs
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var (
			id         uuid.UUID
			entry      RunEntry
			durationMs pgtype.Int8
		)
		if err := rows.Scan(&id, &entry.Status, &entry.Imported, &entry.Rejected, &durationMs, &entry.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		entry.ID = id.String()
		entry.DurationMs = durationMs.Int64
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RunDefect is one stored defect row for export.
type RunDefect struct {
	Stage      string `json:"stage"`
	Code       string `json:"code"`
	EntityType string `json:"entityType,omitempty"`
	NaturalKey string `json:"naturalKey,omitempty"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	Sheet      string `json:"sheet,omitempty"`
	Row        int    `json:"row"`
	Message    string `json:"message"`
}

// ListDefects returns all stored defects for a run.
func (s *Store) ListDefects(ctx context.Context, runID uuid.UUID) ([]RunDefect, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, code, entity_type, natural_key, field, value, sheet, row_num, message
		FROM import_defects
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query defects: %w", err)
	}
	defer rows.Close()

	var defects []RunDefect
	for rows.Next() {
		var (
			d                                        RunDefect
			entityType, naturalKey, field, value, sh pgtype.Text
		)
		if err := rows.Scan(&d.Stage, &d.Code, &entityType, &naturalKey, &field, &value, &sh, &d.Row, &d.Message); err != nil {
			return nil, fmt.Errorf("scan defect: %w", err)
		}
		d.EntityType = entityType.String
		d.NaturalKey = naturalKey.String
		d.Field = field.String
		d.Value = value.String
		d.Sheet = sh.String
		defects = append(defects, d)
	}
	return defects, rows.Err()
}

// RollbackRun removes everything a committed run imported and marks the
// run rolled back. Returns how many rows were deleted per entity type.
func (s *Store) RollbackRun(ctx context.Context, runID uuid.UUID) (map[schema.EntityType]int64, error) {
	var status string
	err := s.pool.QueryRow(ctx, "SELECT status FROM import_runs WHERE id = $1", runID).Scan(&status)
	if err != nil {
		return nil, fmt.Errorf("run not found: %w", err)
	}
	if status == "rolled_back" {
		return nil, fmt.Errorf("run already rolled back")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	deleted := make(map[schema.EntityType]int64)
	for i := len(schema.HierarchyOrder) - 1; i >= 0; i-- {
		et := schema.HierarchyOrder[i]
		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id = $1", tableByType[et]), runID)
		if err != nil {
			return nil, fmt.Errorf("delete from %s: %w", tableByType[et], err)
		}
		deleted[et] = tag.RowsAffected()
	}

	if _, err := tx.Exec(ctx, "UPDATE import_runs SET status = 'rolled_back' WHERE id = $1", runID); err != nil {
		return nil, fmt.Errorf("mark rolled back: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}
	return deleted, nil
}
