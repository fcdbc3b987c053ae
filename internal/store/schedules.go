package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ferr "github.com/forgeworks/foundry/internal/errors"
)

// UpsertSchedule creates or replaces the schedule for (repo, branch). The
// agent calls this after parsing the manifest, so the cron expression has
// already been validated. next_run_at is reset so the scheduler recomputes it
// from the new expression.
func (s *Store) UpsertSchedule(ctx context.Context, repoID int64, cronExpr, branch, timezone string) (int64, error) {
	if branch == "" {
		branch = "main"
	}
	if timezone == "" {
		timezone = "UTC"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_job (repo_id, cron_expression, branch, timezone, enabled, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(repo_id, branch) DO UPDATE SET
			cron_expression = excluded.cron_expression,
			timezone = excluded.timezone,
			enabled = 1,
			next_run_at = NULL,
			updated_at = excluded.updated_at
		RETURNING id`,
		repoID, cronExpr, branch, timezone, toMillis(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert schedule: %w", err)
	}
	return id, nil
}

// DeleteSchedule removes the schedule for (repo, branch). Deleting a schedule
// that does not exist is not an error; the agent calls this whenever a
// manifest has no schedule block.
func (s *Store) DeleteSchedule(ctx context.Context, repoID int64, branch string) error {
	if branch == "" {
		branch = "main"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_job WHERE repo_id = ? AND branch = ?`, repoID, branch)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// ListSchedules returns every enabled schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, cron_expression, branch, timezone, enabled, last_run_at, next_run_at
		FROM scheduled_job WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var sc Schedule
		var lastRun, nextRun sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.RepoID, &sc.CronExpr, &sc.Branch, &sc.Timezone,
			&sc.Enabled, &lastRun, &nextRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.LastRunAt = optTime(lastRun)
		sc.NextRunAt = optTime(nextRun)
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// SetNextRun records the precomputed next fire time for a schedule.
func (s *Store) SetNextRun(ctx context.Context, scheduleID int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_job SET next_run_at = ? WHERE id = ?`,
		toMillis(next), scheduleID)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.NotFound("schedule not found")
	}
	return nil
}

// AdvanceSchedule fires a due schedule: it moves last_run_at to firedAt and
// next_run_at to next, but only if last_run_at still holds the value the
// caller observed. The compare-and-set makes firing idempotent across
// concurrent ticks and restarts, so a missed window coalesces into exactly
// one job. Returns false when another tick already advanced the schedule.
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID int64, observedLastRun *time.Time, firedAt, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if observedLastRun == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_job SET last_run_at = ?, next_run_at = ?
			WHERE id = ? AND last_run_at IS NULL`,
			toMillis(firedAt), toMillis(next), scheduleID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_job SET last_run_at = ?, next_run_at = ?
			WHERE id = ? AND last_run_at = ?`,
			toMillis(firedAt), toMillis(next), scheduleID, toMillis(*observedLastRun))
	}
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	return n == 1, nil
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, scheduleID int64) (*Schedule, error) {
	var sc Schedule
	var lastRun, nextRun sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, cron_expression, branch, timezone, enabled, last_run_at, next_run_at
		FROM scheduled_job WHERE id = ?`, scheduleID,
	).Scan(&sc.ID, &sc.RepoID, &sc.CronExpr, &sc.Branch, &sc.Timezone,
		&sc.Enabled, &lastRun, &nextRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("schedule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	sc.LastRunAt = optTime(lastRun)
	sc.NextRunAt = optTime(nextRun)
	return &sc, nil
}
