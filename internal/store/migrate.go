package store

import (
	"context"
	"fmt"
)

// Column types are chosen to be valid in both Postgres and SQLite.
// Times are unix nanoseconds, JSON documents are TEXT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS grading_jobs (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		page_refs    TEXT NOT NULL,
		total_pages  INTEGER NOT NULL,
		done_pages   INTEGER NOT NULL DEFAULT 0,
		failed_pages INTEGER NOT NULL DEFAULT 0,
		version      BIGINT NOT NULL,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS page_units (
		job_id      TEXT NOT NULL,
		page_index  INTEGER NOT NULL,
		image_ref   TEXT NOT NULL,
		status      TEXT NOT NULL,
		warnings    TEXT NOT NULL DEFAULT '[]',
		error       TEXT NOT NULL DEFAULT '',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until BIGINT NOT NULL DEFAULT 0,
		attempt     INTEGER NOT NULL DEFAULT 0,
		iterations  INTEGER NOT NULL DEFAULT 0,
		confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		summary     TEXT NOT NULL DEFAULT '',
		trace       TEXT NOT NULL DEFAULT '[]',
		version     BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL,
		PRIMARY KEY (job_id, page_index)
	)`,
	`CREATE TABLE IF NOT EXISTS question_cards (
		job_id          TEXT NOT NULL,
		id              TEXT NOT NULL,
		page_index      INTEGER NOT NULL,
		ordinal         INTEGER NOT NULL,
		question_number TEXT NOT NULL,
		state           TEXT NOT NULL,
		verdict         TEXT NOT NULL DEFAULT '',
		answer_present  BOOLEAN NOT NULL DEFAULT FALSE,
		prompt          TEXT NOT NULL DEFAULT '',
		student_answer  TEXT NOT NULL DEFAULT '',
		rationale       TEXT NOT NULL DEFAULT '',
		confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
		need_review     BOOLEAN NOT NULL DEFAULT FALSE,
		warnings        TEXT NOT NULL DEFAULT '[]',
		version         BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (job_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS question_cards_order ON question_cards (job_id, page_index, ordinal)`,
	`CREATE TABLE IF NOT EXISTS run_budgets (
		job_id         TEXT PRIMARY KEY,
		time_limit     BIGINT NOT NULL,
		cost_limit     BIGINT NOT NULL,
		cost_used      BIGINT NOT NULL DEFAULT 0,
		started_at     BIGINT NOT NULL DEFAULT 0,
		cost_exhausted BOOLEAN NOT NULL DEFAULT FALSE,
		version        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS queue_tokens (
		id          TEXT PRIMARY KEY,
		queue       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT NOT NULL DEFAULT '',
		visible_at  BIGINT NOT NULL,
		enqueued_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS queue_tokens_visible ON queue_tokens (queue, visible_at)`,
}

// Migrate creates the tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.SQL.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
