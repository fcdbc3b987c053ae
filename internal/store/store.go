// Package store is the single source of truth for repositories, jobs,
// stages, logs, schedules, and webhook deliveries. Every other component
// reads and writes through it; nothing shares in-memory state.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store implements the durable job queue over SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; SQLite has a single write lock anyway
}

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps the in-memory database coherent and avoids
	// SQLITE_BUSY churn between pooled connections on file databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Migrate applies the schema. Forward-only and idempotent: re-running against
// an existing database is a no-op.
func (s *Store) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repo (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		clone_url TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		default_image TEXT NOT NULL DEFAULT 'alpine:3',
		triggers TEXT NOT NULL DEFAULT '',
		build_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_build_at INTEGER,
		description TEXT NOT NULL DEFAULT '',
		private INTEGER NOT NULL DEFAULT 0,
		UNIQUE(owner, name)
	);
	CREATE TABLE IF NOT EXISTS job (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL REFERENCES repo(id),
		git_sha TEXT NOT NULL,
		git_ref TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		trigger_type TEXT NOT NULL DEFAULT 'push',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		claimed_by TEXT,
		claim_token TEXT,
		commit_message TEXT NOT NULL DEFAULT '',
		commit_author TEXT NOT NULL DEFAULT '',
		commit_url TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		scheduled_job_id INTEGER,
		pr_number INTEGER,
		metrics TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_job_status_id ON job(status, id);
	CREATE INDEX IF NOT EXISTS idx_job_repo ON job(repo_id);
	CREATE TABLE IF NOT EXISTS job_stage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL REFERENCES job(id),
		name TEXT NOT NULL,
		stage_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		command TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		started_at INTEGER,
		finished_at INTEGER,
		duration_ms INTEGER,
		exit_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		last_log_seq INTEGER NOT NULL DEFAULT -1,
		UNIQUE(job_id, name)
	);
	CREATE TABLE IF NOT EXISTS stage_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stage_id INTEGER NOT NULL REFERENCES job_stage(id),
		line TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stage_log_stage ON stage_log(stage_id, ts, id);
	CREATE TABLE IF NOT EXISTS scheduled_job (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL REFERENCES repo(id),
		cron_expression TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT 'main',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run_at INTEGER,
		next_run_at INTEGER,
		updated_at INTEGER NOT NULL,
		UNIQUE(repo_id, branch)
	);
	CREATE TABLE IF NOT EXISTS webhook_event (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		delivery_id TEXT NOT NULL,
		signature_valid INTEGER NOT NULL,
		payload BLOB NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		job_id INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	DROP INDEX IF EXISTS idx_webhook_delivery;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_delivery_valid
		ON webhook_event(delivery_id) WHERE signature_valid = 1;

	CREATE TRIGGER IF NOT EXISTS job_counters AFTER UPDATE OF status ON job
	WHEN OLD.status = 'running' AND NEW.status IN ('success', 'failed')
	BEGIN
		UPDATE repo SET
			build_count = build_count + 1,
			success_count = success_count + (NEW.status = 'success'),
			failure_count = failure_count + (NEW.status = 'failed'),
			last_build_at = NEW.finished_at
		WHERE id = NEW.repo_id;
	END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Timestamps are stored as integer unix milliseconds; log ordering relies on
// millisecond resolution plus the rowid tiebreak.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func optTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}
