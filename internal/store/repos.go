package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	ferr "github.com/forgeworks/foundry/internal/errors"
)

// RepoMeta is the platform metadata cached on first observation and
// refreshed on every delivery.
type RepoMeta struct {
	CloneURL      string
	DefaultBranch string
	Description   string
	Private       bool
}

// UpsertRepo creates the repository on first observation or refreshes its
// cached metadata, returning the row id either way.
func (s *Store) UpsertRepo(ctx context.Context, owner, name string, meta RepoMeta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggers, err := json.Marshal(DefaultTriggerRules())
	if err != nil {
		return 0, fmt.Errorf("marshal default triggers: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO repo (owner, name, clone_url, default_branch, description, private, triggers)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET
			clone_url = excluded.clone_url,
			default_branch = excluded.default_branch,
			description = excluded.description,
			private = excluded.private
		RETURNING id`,
		owner, name, meta.CloneURL, meta.DefaultBranch, meta.Description, meta.Private, string(triggers),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert repo %s/%s: %w", owner, name, err)
	}
	return id, nil
}

// GetRepo loads a repository by id.
func (s *Store) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, clone_url, default_branch, default_image, triggers,
		       build_count, success_count, failure_count, last_build_at, description, private
		FROM repo WHERE id = ?`, id)
	return scanRepo(row)
}

// GetRepoByName loads a repository by its (owner, name) identity.
func (s *Store) GetRepoByName(ctx context.Context, owner, name string) (*Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, clone_url, default_branch, default_image, triggers,
		       build_count, success_count, failure_count, last_build_at, description, private
		FROM repo WHERE owner = ? AND name = ?`, owner, name)
	return scanRepo(row)
}

func scanRepo(row *sql.Row) (*Repo, error) {
	var r Repo
	var triggersJSON string
	var lastBuild sql.NullInt64
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.DefaultImage,
		&triggersJSON, &r.BuildCount, &r.SuccessCount, &r.FailureCount, &lastBuild,
		&r.Description, &r.Private)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("repository not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	r.LastBuildAt = optTime(lastBuild)
	r.Triggers = DefaultTriggerRules()
	if triggersJSON != "" {
		if err := json.Unmarshal([]byte(triggersJSON), &r.Triggers); err != nil {
			return nil, fmt.Errorf("unmarshal triggers for repo %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

// SyncTriggers replaces a repository's trigger rules. The agent calls this
// after cloning so foundry.toml controls server-side filtering.
func (s *Store) SyncTriggers(ctx context.Context, repoID int64, rules TriggerRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rules.Branches) == 0 {
		rules.Branches = DefaultTriggerRules().Branches
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE repo SET triggers = ? WHERE id = ?`, string(data), repoID)
	if err != nil {
		return fmt.Errorf("sync triggers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.NotFound("repository not found")
	}
	return nil
}
