// Package agent polls the dispatch API for jobs and executes their
// pipelines in containers.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/forgeworks/foundry/internal/dispatch"
	ferr "github.com/forgeworks/foundry/internal/errors"
	"github.com/forgeworks/foundry/internal/store"
)

// Client talks to the dispatch API. Requests retry with jitter on transient
// failures; mutations are safe to retry because the server dedupes log
// batches by sequence and rejects replayed transitions.
type Client struct {
	baseURL string
	agentID string
	http    *http.Client
}

// NewClient builds a dispatch client for one agent identity. serverURL is
// the server root; the dispatch mount point is appended here.
func NewClient(serverURL, agentID string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/") + dispatch.Prefix,
		agentID: agentID,
		http:    rc.StandardClient(),
	}
}

func (c *Client) post(ctx context.Context, path string, body, result any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, ferr.Transient(err, fmt.Sprintf("dispatch %s", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeAPIError(path, resp)
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func decodeAPIError(path string, resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	msg := body.Detail
	if msg == "" {
		msg = string(raw)
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return ferr.NotOwner(msg)
	case http.StatusNotFound:
		return ferr.NotFound(msg)
	case http.StatusConflict:
		return ferr.InvalidTransition(msg)
	case http.StatusServiceUnavailable:
		return ferr.New(ferr.KindTransient, msg)
	default:
		return ferr.Newf(ferr.KindFatal, "dispatch %s: status %d: %s", path, resp.StatusCode, msg)
	}
}

// Claim asks for the next queued job. Returns nil when the queue is empty.
func (c *Client) Claim(ctx context.Context) (*store.ClaimedJob, error) {
	var job store.ClaimedJob
	status, err := c.post(ctx, "/claim", map[string]string{"agent_id": c.agentID}, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

// RegisterStages declares the full pipeline before execution starts.
func (c *Client) RegisterStages(ctx context.Context, job *store.ClaimedJob, specs []store.StageSpec) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/stages", job.ID), map[string]any{
		"claim_token": job.ClaimToken,
		"stages":      specs,
	}, nil)
	return err
}

// StartStage transitions a stage to running.
func (c *Client) StartStage(ctx context.Context, job *store.ClaimedJob, name string) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/stage/%s/start", job.ID, name), map[string]string{
		"claim_token": job.ClaimToken,
	}, nil)
	return err
}

// LogLine is one timestamped output line.
type LogLine struct {
	TS   time.Time `json:"ts"`
	Line string    `json:"line"`
}

// AppendLogs ships one log batch. seq must increase monotonically per stage.
func (c *Client) AppendLogs(ctx context.Context, job *store.ClaimedJob, stage string, seq int64, lines []LogLine) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/stage/%s/log", job.ID, stage), map[string]any{
		"claim_token": job.ClaimToken,
		"sequence":    seq,
		"lines":       lines,
	}, nil)
	return err
}

// FinishStage reports a stage's terminal status.
func (c *Client) FinishStage(ctx context.Context, job *store.ClaimedJob, name string, result store.StageResult) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/stage/%s/finish", job.ID, name), map[string]any{
		"claim_token": job.ClaimToken,
		"status":      string(result.Status),
		"exit_code":   result.ExitCode,
		"error":       result.ErrorMessage,
	}, nil)
	return err
}

// Complete reports the job's terminal status. Always the last call for a job.
func (c *Client) Complete(ctx context.Context, job *store.ClaimedJob, status store.JobStatus, errorMessage string) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/complete", job.ID), map[string]string{
		"claim_token": job.ClaimToken,
		"status":      string(status),
		"error":       errorMessage,
	}, nil)
	return err
}

// ResolveSHA records the SHA actually checked out for sentinel jobs.
func (c *Client) ResolveSHA(ctx context.Context, job *store.ClaimedJob, sha string) error {
	_, err := c.post(ctx, fmt.Sprintf("/job/%d/sha", job.ID), map[string]string{
		"claim_token": job.ClaimToken,
		"git_sha":     sha,
	}, nil)
	return err
}

// ReportMetrics attaches an arbitrary metrics blob to the job.
func (c *Client) ReportMetrics(ctx context.Context, job *store.ClaimedJob, metrics any) error {
	raw, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = c.post(ctx, fmt.Sprintf("/job/%d/metrics", job.ID), map[string]any{
		"claim_token": job.ClaimToken,
		"metrics":     json.RawMessage(raw),
	}, nil)
	return err
}

// SyncSchedule pushes the manifest's schedule block for the cloned branch.
func (c *Client) SyncSchedule(ctx context.Context, job *store.ClaimedJob, cron, branch, timezone string, enabled bool) error {
	_, err := c.post(ctx, fmt.Sprintf("/repo/%d/schedule", job.RepoID), map[string]any{
		"claim_token": job.ClaimToken,
		"cron":        cron,
		"branch":      branch,
		"timezone":    timezone,
		"enabled":     enabled,
	}, nil)
	return err
}

// SyncTriggers pushes the manifest's trigger rules.
func (c *Client) SyncTriggers(ctx context.Context, job *store.ClaimedJob, rules store.TriggerRules) error {
	_, err := c.post(ctx, fmt.Sprintf("/repo/%d/triggers", job.RepoID), map[string]any{
		"claim_token":        job.ClaimToken,
		"branches":           rules.Branches,
		"pull_requests":      rules.PullRequests,
		"pr_target_branches": rules.PRTargetBranches,
	}, nil)
	return err
}
