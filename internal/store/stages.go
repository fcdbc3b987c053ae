package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ferr "github.com/forgeworks/foundry/internal/errors"
)

// CreateStages registers the pipeline for a job in manifest order. Replaying
// the same registration is a no-op for stages that already exist, so a
// retried request cannot duplicate or reorder the pipeline.
func (s *Store) CreateStages(ctx context.Context, jobID int64, token string, specs []StageSpec) error {
	if len(specs) == 0 {
		return ferr.BadRequest("at least one stage is required")
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return ferr.BadRequest("stage name must not be empty")
		}
		if seen[spec.Name] {
			return ferr.Newf(ferr.KindBadRequest, "duplicate stage name %q", spec.Name)
		}
		seen[spec.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	// Registrations append: the synthetic clone stage arrives before the
	// pipeline, the deploy stage after it, so orders continue from the max.
	var base int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stage_order) + 1, 0) FROM job_stage WHERE job_id = ?`, jobID,
	).Scan(&base); err != nil {
		return fmt.Errorf("load stage order: %w", err)
	}
	for i, spec := range specs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO job_stage (job_id, name, stage_order, status, command, image)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT(job_id, name) DO NOTHING`,
			jobID, spec.Name, base+i, spec.Command, spec.Image)
		if err != nil {
			return fmt.Errorf("create stage %q: %w", spec.Name, err)
		}
	}
	return nil
}

// stageByName resolves a stage row id and current status. Caller holds s.mu.
func (s *Store) stageByName(ctx context.Context, jobID int64, name string) (int64, StageStatus, error) {
	var id int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status FROM job_stage WHERE job_id = ? AND name = ?`, jobID, name,
	).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ferr.Newf(ferr.KindNotFound, "stage %q not found", name)
	}
	if err != nil {
		return 0, "", fmt.Errorf("load stage %q: %w", name, err)
	}
	return id, StageStatus(status), nil
}

// StartStage transitions a stage pending → running.
func (s *Store) StartStage(ctx context.Context, jobID int64, token, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	id, cur, err := s.stageByName(ctx, jobID, name)
	if err != nil {
		return err
	}
	if !validStageTransition(cur, StageRunning) {
		return ferr.Newf(ferr.KindInvalidTransition, "stage %q is %s, cannot start", name, cur)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE job_stage SET status = 'running', started_at = ? WHERE id = ?`,
		toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("start stage %q: %w", name, err)
	}
	return nil
}

// StageResult is the terminal outcome reported for a stage.
type StageResult struct {
	Status       StageStatus `json:"status"`
	ExitCode     *int        `json:"exit_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// FinishStage writes a stage's terminal status. Terminal statuses are
// write-once: finishing an already-finished stage is an invalid transition.
func (s *Store) FinishStage(ctx context.Context, jobID int64, token, name string, result StageResult) error {
	if !result.Status.Terminal() {
		return ferr.Newf(ferr.KindInvalidTransition, "status %q is not terminal", result.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	id, cur, err := s.stageByName(ctx, jobID, name)
	if err != nil {
		return err
	}
	if !validStageTransition(cur, result.Status) {
		return ferr.Newf(ferr.KindInvalidTransition, "stage %q is %s, cannot finish as %s", name, cur, result.Status)
	}

	now := time.Now()
	var durationMS any
	if cur == StageRunning {
		var started sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT started_at FROM job_stage WHERE id = ?`, id).Scan(&started); err != nil {
			return fmt.Errorf("load stage start time: %w", err)
		}
		if started.Valid {
			durationMS = toMillis(now) - started.Int64
		}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_stage SET status = ?, finished_at = ?, duration_ms = ?, exit_code = ?, error_message = ?
		WHERE id = ?`,
		string(result.Status), toMillis(now), durationMS, result.ExitCode, result.ErrorMessage, id); err != nil {
		return fmt.Errorf("finish stage %q: %w", name, err)
	}
	return nil
}

// AppendStageLogs appends a batch of output lines to a stage. The batch
// sequence makes retries idempotent: a batch at or below the last applied
// sequence is silently dropped. Lines keep their arrival order through
// millisecond timestamps with the rowid as tiebreak.
func (s *Store) AppendStageLogs(ctx context.Context, jobID int64, token, name string, seq int64, lines []StageLogLine) error {
	if len(lines) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	id, cur, err := s.stageByName(ctx, jobID, name)
	if err != nil {
		return err
	}
	if cur != StageRunning {
		return ferr.Newf(ferr.KindInvalidTransition, "stage %q is %s, not accepting logs", name, cur)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE job_stage SET last_log_seq = ? WHERE id = ? AND last_log_seq < ?`, seq, id, seq)
	if err != nil {
		return fmt.Errorf("advance log sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // replayed batch
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stage_log (stage_id, line, ts) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()
	now := time.Now()
	for _, line := range lines {
		ts := line.TS
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, id, line.Line, toMillis(ts)); err != nil {
			return fmt.Errorf("append log line: %w", err)
		}
	}
	return tx.Commit()
}

// ListStages returns a job's stages in pipeline order.
func (s *Store) ListStages(ctx context.Context, jobID int64) ([]JobStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, name, stage_order, status, command, image,
		       started_at, finished_at, duration_ms, exit_code, error_message
		FROM job_stage WHERE job_id = ? ORDER BY stage_order`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []JobStage
	for rows.Next() {
		var st JobStage
		var status string
		var started, finished, duration sql.NullInt64
		var exit sql.NullInt64
		if err := rows.Scan(&st.ID, &st.JobID, &st.Name, &st.StageOrder, &status,
			&st.Command, &st.Image, &started, &finished, &duration, &exit, &st.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Status = StageStatus(status)
		st.StartedAt = optTime(started)
		st.FinishedAt = optTime(finished)
		if duration.Valid {
			st.DurationMS = &duration.Int64
		}
		if exit.Valid {
			code := int(exit.Int64)
			st.ExitCode = &code
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// StageLogs returns a stage's log lines in append order.
func (s *Store) StageLogs(ctx context.Context, stageID int64) ([]StageLogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage_id, line, ts FROM stage_log
		WHERE stage_id = ? ORDER BY ts, id`, stageID)
	if err != nil {
		return nil, fmt.Errorf("load stage logs: %w", err)
	}
	defer rows.Close()
	return scanLogLines(rows)
}

// JobLogs returns every log line of a job, ordered by pipeline position and
// then append order within each stage.
func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]StageLogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.stage_id, l.line, l.ts
		FROM stage_log l JOIN job_stage st ON st.id = l.stage_id
		WHERE st.job_id = ?
		ORDER BY st.stage_order, l.ts, l.id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job logs: %w", err)
	}
	defer rows.Close()
	return scanLogLines(rows)
}

func scanLogLines(rows *sql.Rows) ([]StageLogLine, error) {
	var lines []StageLogLine
	for rows.Next() {
		var l StageLogLine
		var ts int64
		if err := rows.Scan(&l.ID, &l.StageID, &l.Line, &ts); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		l.TS = fromMillis(ts)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
