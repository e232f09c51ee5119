package store

import (
	"context"
	"fmt"
)

// ddl creates the course hierarchy tables and run bookkeeping. Child
// tables cascade on parent delete so rollback order mistakes cannot
// orphan rows.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS import_runs (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		imported INT NOT NULL DEFAULT 0,
		rejected INT NOT NULL DEFAULT 0,
		duration_ms BIGINT,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS import_defects (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		code TEXT NOT NULL,
		entity_type TEXT,
		natural_key TEXT,
		field TEXT,
		value TEXT,
		sheet TEXT,
		row_num INT NOT NULL DEFAULT 0,
		message TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS courses (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		natural_key TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sections (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		natural_key TEXT NOT NULL,
		course_id UUID NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		ordering BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		natural_key TEXT NOT NULL,
		section_id UUID NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT,
		time_limit BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		natural_key TEXT NOT NULL,
		quiz_id UUID NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
		question_text TEXT NOT NULL,
		question_type TEXT,
		points DOUBLE PRECISION NOT NULL DEFAULT 0,
		hint TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		natural_key TEXT NOT NULL,
		question_id UUID NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
		answer_text TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT false,
		ordering BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_run ON courses(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sections_run ON sections(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_quizzes_run ON quizzes(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_run ON questions(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_answers_run ON answers(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_key ON courses(natural_key)`,
	`CREATE INDEX IF NOT EXISTS idx_sections_key ON sections(natural_key)`,
	`CREATE INDEX IF NOT EXISTS idx_quizzes_key ON quizzes(natural_key)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_key ON questions(natural_key)`,
	`CREATE INDEX IF NOT EXISTS idx_answers_key ON answers(natural_key)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
// Called once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
