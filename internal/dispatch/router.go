// Package dispatch is the agent-facing HTTP API: claiming jobs, registering
// pipelines, streaming logs, and reporting terminal outcomes. Every
// job-scoped mutation requires the claim token minted at claim time.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ferr "github.com/forgeworks/foundry/internal/errors"
	"github.com/forgeworks/foundry/internal/metrics"
	"github.com/forgeworks/foundry/internal/store"
)

// Prefix is the conventional mount point for the agent-facing API.
const Prefix = "/api/v1/agent"

// Store is the persistence surface the dispatch API needs.
type Store interface {
	ClaimNextJob(ctx context.Context, agentID string) (*store.ClaimedJob, error)
	CreateStages(ctx context.Context, jobID int64, token string, specs []store.StageSpec) error
	StartStage(ctx context.Context, jobID int64, token, name string) error
	FinishStage(ctx context.Context, jobID int64, token, name string, result store.StageResult) error
	AppendStageLogs(ctx context.Context, jobID int64, token, name string, seq int64, lines []store.StageLogLine) error
	CompleteJob(ctx context.Context, jobID int64, token string, status store.JobStatus, errorMessage string) error
	ResolveJobSHA(ctx context.Context, jobID int64, token, sha string) error
	StoreJobMetrics(ctx context.Context, jobID int64, token string, metrics json.RawMessage) error
	VerifyJobToken(ctx context.Context, jobID int64, token string) error
	VerifyRepoToken(ctx context.Context, repoID int64, token string) error
	JobLogs(ctx context.Context, jobID int64) ([]store.StageLogLine, error)
	GetJob(ctx context.Context, jobID int64) (*store.Job, error)
	ListJobs(ctx context.Context, limit int) ([]store.Job, error)
	ListStages(ctx context.Context, jobID int64) ([]store.JobStage, error)
	CancelJob(ctx context.Context, jobID int64) error
	UpsertSchedule(ctx context.Context, repoID int64, cronExpr, branch, timezone string) (int64, error)
	DeleteSchedule(ctx context.Context, repoID int64, branch string) error
	SyncTriggers(ctx context.Context, repoID int64, rules store.TriggerRules) error
}

// Notifier observes terminal job transitions, for event publication.
type Notifier interface {
	JobCompleted(ctx context.Context, job *store.Job)
}

// API carries the handlers.
type API struct {
	store    Store
	notifier Notifier
}

// NewAPI builds the dispatch API over a store.
func NewAPI(st Store) *API {
	return &API{store: st}
}

// WithNotifier attaches an observer for completed jobs.
func (a *API) WithNotifier(n Notifier) *API {
	a.notifier = n
	return a
}

// Routes mounts the dispatch endpoints on a chi router.
func (a *API) Routes(r chi.Router) {
	r.Post("/claim", a.claim)
	r.Route("/job/{id}", func(r chi.Router) {
		r.Get("/", a.getJob)
		r.Get("/logs", a.jobLogs)
		r.Post("/stages", a.createStages)
		r.Post("/stage/{name}/start", a.startStage)
		r.Post("/stage/{name}/log", a.appendLogs)
		r.Post("/stage/{name}/finish", a.finishStage)
		r.Post("/complete", a.completeJob)
		r.Post("/sha", a.resolveSHA)
		r.Post("/metrics", a.reportMetrics)
		r.Post("/cancel", a.cancelJob)
	})
	r.Get("/jobs", a.listJobs)
	r.Route("/repo/{id}", func(r chi.Router) {
		r.Post("/schedule", a.syncSchedule)
		r.Post("/triggers", a.syncTriggers)
	})
}

func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, ferr.BadRequest("invalid job id")
	}
	return id, nil
}

func repoID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, ferr.BadRequest("invalid repo id")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ferr.Newf(ferr.KindBadRequest, "decode request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

func (a *API) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if req.AgentID == "" {
		ferr.WriteHTTP(w, ferr.BadRequest("agent_id is required"))
		return
	}
	job, err := a.store.ClaimNextJob(r.Context(), req.AgentID)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if job == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.ClaimsTotal.WithLabelValues("granted").Inc()
	writeJSON(w, http.StatusOK, job)
}

type stagesRequest struct {
	ClaimToken string            `json:"claim_token"`
	Stages     []store.StageSpec `json:"stages"`
}

func (a *API) createStages(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req stagesRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.CreateStages(r.Context(), id, req.ClaimToken, req.Stages); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type tokenRequest struct {
	ClaimToken string `json:"claim_token"`
}

func (a *API) startStage(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.StartStage(r.Context(), id, req.ClaimToken, chi.URLParam(r, "name")); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LogLine is one timestamped line in a log batch.
type LogLine struct {
	TS   time.Time `json:"ts"`
	Line string    `json:"line"`
}

type logRequest struct {
	ClaimToken string    `json:"claim_token"`
	Sequence   int64     `json:"sequence"`
	Lines      []LogLine `json:"lines"`
}

func (a *API) appendLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req logRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	lines := make([]store.StageLogLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = store.StageLogLine{Line: l.Line, TS: l.TS}
	}
	if err := a.store.AppendStageLogs(r.Context(), id, req.ClaimToken, chi.URLParam(r, "name"), req.Sequence, lines); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type finishStageRequest struct {
	ClaimToken string `json:"claim_token"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (a *API) finishStage(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req finishStageRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	result := store.StageResult{
		Status:       store.StageStatus(req.Status),
		ExitCode:     req.ExitCode,
		ErrorMessage: req.Error,
	}
	if err := a.store.FinishStage(r.Context(), id, req.ClaimToken, chi.URLParam(r, "name"), result); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type completeRequest struct {
	ClaimToken string `json:"claim_token"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func (a *API) completeJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req completeRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.CompleteJob(r.Context(), id, req.ClaimToken, store.JobStatus(req.Status), req.Error); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	metrics.JobsTotal.WithLabelValues(req.Status).Inc()
	if a.notifier != nil {
		if job, err := a.store.GetJob(r.Context(), id); err == nil {
			a.notifier.JobCompleted(r.Context(), job)
		}
	}
	w.WriteHeader(http.StatusOK)
}

type shaRequest struct {
	ClaimToken string `json:"claim_token"`
	GitSHA     string `json:"git_sha"`
}

func (a *API) resolveSHA(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req shaRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if req.GitSHA == "" {
		ferr.WriteHTTP(w, ferr.BadRequest("git_sha is required"))
		return
	}
	if err := a.store.ResolveJobSHA(r.Context(), id, req.ClaimToken, req.GitSHA); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type metricsRequest struct {
	ClaimToken string          `json:"claim_token"`
	Metrics    json.RawMessage `json:"metrics"`
}

func (a *API) reportMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req metricsRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.StoreJobMetrics(r.Context(), id, req.ClaimToken, req.Metrics); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.CancelJob(r.Context(), id); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) jobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.VerifyJobToken(r.Context(), id, r.URL.Query().Get("claim_token")); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	lines, err := a.store.JobLogs(r.Context(), id)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type jobView struct {
	store.Job
	Stages []store.JobStage `json:"stages"`
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	stages, err := a.store.ListStages(r.Context(), id)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{Job: *job, Stages: stages})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := a.store.ListJobs(r.Context(), limit)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type scheduleSyncRequest struct {
	ClaimToken string `json:"claim_token"`
	Cron       string `json:"cron"`
	Branch     string `json:"branch"`
	Timezone   string `json:"timezone"`
	Enabled    bool   `json:"enabled"`
}

// syncSchedule lets the agent push the manifest's schedule block after a
// clone. A disabled or empty schedule removes any stored one.
func (a *API) syncSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := repoID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req scheduleSyncRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.VerifyRepoToken(r.Context(), id, req.ClaimToken); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if !req.Enabled || req.Cron == "" {
		if err := a.store.DeleteSchedule(r.Context(), id, req.Branch); err != nil {
			ferr.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := a.store.UpsertSchedule(r.Context(), id, req.Cron, req.Branch, req.Timezone); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type triggerSyncRequest struct {
	ClaimToken       string   `json:"claim_token"`
	Branches         []string `json:"branches"`
	PullRequests     bool     `json:"pull_requests"`
	PRTargetBranches []string `json:"pr_target_branches,omitempty"`
}

func (a *API) syncTriggers(w http.ResponseWriter, r *http.Request) {
	id, err := repoID(r)
	if err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	var req triggerSyncRequest
	if err := decode(r, &req); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	if err := a.store.VerifyRepoToken(r.Context(), id, req.ClaimToken); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	rules := store.TriggerRules{
		Branches:         req.Branches,
		PullRequests:     req.PullRequests,
		PRTargetBranches: req.PRTargetBranches,
	}
	if err := a.store.SyncTriggers(r.Context(), id, rules); err != nil {
		ferr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
