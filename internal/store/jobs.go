package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ferr "github.com/forgeworks/foundry/internal/errors"
)

// EnqueueOpts carries the optional fields of a new job. Deduplication is the
// caller's concern: the webhook ingress dedupes on delivery id, the scheduler
// through the advance CAS.
type EnqueueOpts struct {
	Trigger        TriggerType
	Commit         CommitMeta
	ScheduledJobID *int64
	PRNumber       *int64
}

// EnqueueJob inserts a queued job and returns its id.
func (s *Store) EnqueueJob(ctx context.Context, repoID int64, sha, ref string, opts EnqueueOpts) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Trigger == "" {
		opts.Trigger = TriggerPush
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job (repo_id, git_sha, git_ref, status, trigger_type, created_at,
		                 commit_message, commit_author, commit_url, scheduled_job_id, pr_number)
		VALUES (?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		repoID, sha, ref, string(opts.Trigger), toMillis(time.Now()),
		opts.Commit.Message, opts.Commit.Author, opts.Commit.URL,
		opts.ScheduledJobID, opts.PRNumber,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimNextJob atomically claims the oldest queued job for agentID, minting a
// fresh claim token. The claim is a single UPDATE...RETURNING against the
// queued row, so concurrent claimers can never be granted the same job: the
// SQLite write lock serializes them and the status predicate excludes rows a
// parallel claim already took. Returns nil when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, agentID string) (*ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	var jobID, repoID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE job
		SET status = 'running', started_at = ?, claimed_by = ?, claim_token = ?
		WHERE id = (SELECT id FROM job WHERE status = 'queued' ORDER BY id LIMIT 1)
		  AND status = 'queued'
		RETURNING id, repo_id`,
		toMillis(time.Now()), agentID, token,
	).Scan(&jobID, &repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	var c ClaimedJob
	err = s.db.QueryRowContext(ctx, `
		SELECT j.id, j.repo_id, r.owner, r.name, r.clone_url, j.git_sha, j.git_ref, r.default_image
		FROM job j JOIN repo r ON r.id = j.repo_id
		WHERE j.id = ?`, jobID,
	).Scan(&c.ID, &c.RepoID, &c.RepoOwner, &c.RepoName, &c.CloneURL, &c.GitSHA, &c.GitRef, &c.Image)
	if err != nil {
		return nil, fmt.Errorf("load claimed job %d: %w", jobID, err)
	}
	c.ClaimToken = token
	return &c, nil
}

// verifyJobToken resolves a job by id and token. Must be called with s.mu
// held when the result gates a write.
func (s *Store) verifyJobToken(ctx context.Context, jobID int64, token string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM job WHERE id = ? AND claim_token = ?`, jobID, token,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ferr.NotOwner("claim token does not match job")
	}
	if err != nil {
		return fmt.Errorf("verify claim token: %w", err)
	}
	if JobStatus(status) != JobRunning {
		return ferr.NotOwner("job is not running")
	}
	return nil
}

// VerifyJobToken checks token ownership without requiring the job to still
// be running. Used for reads like log retrieval.
func (s *Store) VerifyJobToken(ctx context.Context, jobID int64, token string) error {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM job WHERE id = ? AND claim_token = ?`, jobID, token,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ferr.NotOwner("claim token does not match job")
	}
	if err != nil {
		return fmt.Errorf("verify claim token: %w", err)
	}
	return nil
}

// VerifyRepoToken reports whether token belongs to a running job of repoID.
// Used by the trigger/schedule sync endpoints, which are repo- rather than
// job-scoped.
func (s *Store) VerifyRepoToken(ctx context.Context, repoID int64, token string) error {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job
		WHERE repo_id = ? AND claim_token = ? AND status = 'running'`,
		repoID, token,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("verify repo token: %w", err)
	}
	if n == 0 {
		return ferr.NotOwner("claim token does not match a running job for repository")
	}
	return nil
}

// ResolveJobSHA records the SHA the agent checked out, replacing the HEAD
// sentinel written by the scheduler.
func (s *Store) ResolveJobSHA(ctx context.Context, jobID int64, token, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE job SET git_sha = ? WHERE id = ?`, sha, jobID); err != nil {
		return fmt.Errorf("resolve job sha: %w", err)
	}
	return nil
}

// CompleteJob transitions running → terminal, setting finished_at. The
// repository counters advance through the job_counters trigger.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, token string, status JobStatus, errorMessage string) error {
	if !status.Terminal() {
		return ferr.Newf(ferr.KindInvalidTransition, "status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = ?, finished_at = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		string(status), toMillis(time.Now()), errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.InvalidTransition("job is not running")
	}
	return nil
}

// CancelJob cancels a job that has not been claimed yet. Once claimed, jobs
// run to completion.
func (s *Store) CancelJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE job SET status = 'cancelled', finished_at = ?
		WHERE id = ? AND status = 'queued'`,
		toMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM job WHERE id = ?`, jobID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ferr.NotFound("job not found")
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return ferr.Newf(ferr.KindInvalidTransition, "job is %s, not queued", status)
	}
	return nil
}

// StoreJobMetrics attaches an agent-reported metrics blob to a job.
func (s *Store) StoreJobMetrics(ctx context.Context, jobID int64, token string, metrics json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyJobToken(ctx, jobID, token); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE job SET metrics = ? WHERE id = ?`, string(metrics), jobID); err != nil {
		return fmt.Errorf("store job metrics: %w", err)
	}
	return nil
}

// ReapStaleJobs fails running jobs whose agent has gone silent: started
// before staleBefore with no log line after idleAfter. The claim token is
// cleared so late writes from the dead agent are rejected with NotOwner.
// Returns the ids of reaped jobs.
func (s *Store) ReapStaleJobs(ctx context.Context, staleBefore, idleAfter time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE job SET status = 'failed', finished_at = ?, claim_token = NULL,
		               error_message = 'agent timeout'
		WHERE status = 'running'
		  AND started_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM stage_log l
			JOIN job_stage st ON st.id = l.stage_id
			WHERE st.job_id = job.id AND l.ts > ?
		  )
		RETURNING id`,
		toMillis(time.Now()), toMillis(staleBefore), toMillis(idleAfter))
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reaped job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, git_sha, git_ref, status, trigger_type, created_at,
		       started_at, finished_at, COALESCE(claimed_by, ''),
		       commit_message, commit_author, commit_url, error_message,
		       scheduled_job_id, pr_number
		FROM job WHERE id = ?`, jobID)

	var j Job
	var started, finished, schedID, prNum sql.NullInt64
	var status, trigger string
	var created int64
	err := row.Scan(&j.ID, &j.RepoID, &j.GitSHA, &j.GitRef, &status, &trigger, &created,
		&started, &finished, &j.ClaimedBy,
		&j.Commit.Message, &j.Commit.Author, &j.Commit.URL, &j.ErrorMessage,
		&schedID, &prNum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Status = JobStatus(status)
	j.Trigger = TriggerType(trigger)
	j.CreatedAt = fromMillis(created)
	j.StartedAt = optTime(started)
	j.FinishedAt = optTime(finished)
	if schedID.Valid {
		j.ScheduledJobID = &schedID.Int64
	}
	if prNum.Valid {
		j.PRNumber = &prNum.Int64
	}
	return &j, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM job ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}
