// Package store implements the persistence contract against PostgreSQL.
// Every imported row is tagged with its run ID so a whole run can be
// rolled back, and natural keys are stored so callers can opt into
// skip-existing behavior.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coursemill/coursemill/internal/engine"
	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tableByType maps entity types to their table names. Deletion for
// rollback walks this in reverse hierarchy order so children go first.
var tableByType = map[schema.EntityType]string{
	schema.EntityCourse:   "courses",
	schema.EntitySection:  "sections",
	schema.EntityQuiz:     "quizzes",
	schema.EntityQuestion: "questions",
	schema.EntityAnswer:   "answers",
}

// parentColumn names the foreign-key column per child type.
var parentColumn = map[schema.EntityType]string{
	schema.EntitySection:  "course_id",
	schema.EntityQuiz:     "section_id",
	schema.EntityQuestion: "quiz_id",
	schema.EntityAnswer:   "question_id",
}

// Store persists course hierarchy entities in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create stores one entity and returns its durable identifier. Implements
// engine.Persister. Connection-level failures are wrapped in
// engine.FatalError so the importer aborts the run; anything else (bad
// data, constraint violations, statement timeouts) is a per-record
// failure.
func (s *Store) Create(ctx context.Context, runID uuid.UUID, entityType schema.EntityType, attrs map[string]any, parentID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()

	var err error
	switch entityType {
	case schema.EntityCourse:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO courses (id, run_id, natural_key, title, description, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, runID,
			attrString(attrs, "course_id"),
			attrString(attrs, "title"),
			textOrNull(attrString(attrs, "description")),
			textOrNull(attrString(attrs, "status")),
		)
	case schema.EntitySection:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO sections (id, run_id, natural_key, course_id, title, description, ordering)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, runID,
			attrString(attrs, "section_id"),
			parentID,
			attrString(attrs, "title"),
			textOrNull(attrString(attrs, "description")),
			attrInt(attrs, "ordering"),
		)
	case schema.EntityQuiz:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO quizzes (id, run_id, natural_key, section_id, title, description, status, time_limit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, runID,
			attrString(attrs, "quiz_id"),
			parentID,
			attrString(attrs, "title"),
			textOrNull(attrString(attrs, "description")),
			textOrNull(attrString(attrs, "status")),
			attrInt(attrs, "time_limit"),
		)
	case schema.EntityQuestion:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO questions (id, run_id, natural_key, quiz_id, question_text, question_type, points, hint)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, runID,
			attrString(attrs, "question_id"),
			parentID,
			attrString(attrs, "text"),
			textOrNull(attrString(attrs, "question_type")),
			attrFloat(attrs, "points"),
			textOrNull(attrString(attrs, "hint")),
		)
	case schema.EntityAnswer:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO answers (id, run_id, natural_key, question_id, answer_text, is_correct, ordering)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, runID,
			attrString(attrs, "answer_id"),
			parentID,
			attrString(attrs, "text"),
			attrBool(attrs, "is_correct"),
			attrInt(attrs, "ordering"),
		)
	default:
		return uuid.Nil, fmt.Errorf("unknown entity type: %s", entityType)
	}

	if err != nil {
		if isConnectionError(err) {
			return uuid.Nil, &engine.FatalError{Err: err}
		}
		return uuid.Nil, fmt.Errorf("insert %s: %w", entityType, err)
	}
	return id, nil
}

// Rollback deletes everything the given run has stored, children first so
// foreign keys never dangle. Implements engine.Persister.
func (s *Store) Rollback(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := len(schema.HierarchyOrder) - 1; i >= 0; i-- {
		table := tableByType[schema.HierarchyOrder[i]]
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id = $1", table), runID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}

	return tx.Commit(ctx)
}

// LookupExisting returns the ID of an already-stored entity with the
// given natural key, regardless of run. Usable as engine.ExistingLookup
// for skip-existing imports.
func (s *Store) LookupExisting(ctx context.Context, entityType schema.EntityType, naturalKey string) (uuid.UUID, bool, error) {
	table, ok := tableByType[entityType]
	if !ok {
		return uuid.Nil, false, fmt.Errorf("unknown entity type: %s", entityType)
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE natural_key = $1 ORDER BY created_at LIMIT 1", table),
		naturalKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup %s %q: %w", entityType, naturalKey, err)
	}
	return id, true, nil
}

// CountByRun returns how many rows of each entity type a run stored.
func (s *Store) CountByRun(ctx context.Context, runID uuid.UUID) (map[schema.EntityType]int64, error) {
	counts := make(map[schema.EntityType]int64, len(tableByType))
	for _, et := range schema.HierarchyOrder {
		var n int64
		err := s.pool.QueryRow(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE run_id = $1", tableByType[et]),
			runID,
		).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", tableByType[et], err)
		}
		counts[et] = n
	}
	return counts, nil
}

// Attribute helpers. Values arrive already normalized by the engine, so
// these only have to pick the right Go type and map empties to NULL.

func attrString(attrs map[string]any, name string) string {
	if v, ok := attrs[name].(string); ok {
		return v
	}
	return ""
}

func attrInt(attrs map[string]any, name string) int64 {
	if v, ok := attrs[name].(int64); ok {
		return v
	}
	return 0
}

func attrFloat(attrs map[string]any, name string) float64 {
	if v, ok := attrs[name].(float64); ok {
		return v
	}
	return 0
}

func attrBool(attrs map[string]any, name string) bool {
	if v, ok := attrs[name].(bool); ok {
		return v
	}
	return false
}

// textOrNull converts a string to pgtype.Text, NULL when empty.
func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// isConnectionError reports whether an error means the database is
// unreachable rather than rejecting one statement.
func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "closed pool", "conn closed"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
