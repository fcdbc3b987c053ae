package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/internal/store"
)

type harness struct {
	srv *httptest.Server
	st  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := chi.NewRouter()
	NewAPI(st).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, st: st}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) seedQueuedJob(t *testing.T) int64 {
	t.Helper()
	repoID, err := h.st.UpsertRepo(context.Background(), "acme", "demo", store.RepoMeta{
		CloneURL: "https://example.com/acme/demo.git", DefaultBranch: "main",
	})
	require.NoError(t, err)
	jobID, err := h.st.EnqueueJob(context.Background(), repoID, "abc123", "refs/heads/main", store.EnqueueOpts{})
	require.NoError(t, err)
	return jobID
}

func (h *harness) claim(t *testing.T) store.ClaimedJob {
	t.Helper()
	resp := h.post(t, "/claim", map[string]string{"agent_id": "agent-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job store.ClaimedJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestClaimEmptyQueueReturns204(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/claim", map[string]string{"agent_id": "agent-1"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClaimRequiresAgentID(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/claim", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimReturnsJobAndToken(t *testing.T) {
	h := newHarness(t)
	jobID := h.seedQueuedJob(t)

	job := h.claim(t)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "acme", job.RepoOwner)
	assert.NotEmpty(t, job.ClaimToken)

	resp := h.post(t, "/claim", map[string]string{"agent_id": "agent-2"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFullPipelineOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)
	base := fmt.Sprintf("/job/%d", job.ID)

	resp := h.post(t, base+"/stages", map[string]any{
		"claim_token": job.ClaimToken,
		"stages": []map[string]string{
			{"name": "build", "image": "golang:1.24", "command": "go build ./..."},
			{"name": "test", "image": "golang:1.24", "command": "go test ./..."},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.post(t, base+"/stage/build/start", map[string]string{"claim_token": job.ClaimToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.post(t, base+"/stage/build/log", map[string]any{
		"claim_token": job.ClaimToken,
		"sequence":    0,
		"lines":       []map[string]string{{"line": "compiling"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.post(t, base+"/stage/build/finish", map[string]any{
		"claim_token": job.ClaimToken, "status": "success", "exit_code": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.post(t, base+"/stage/test/start", map[string]string{"claim_token": job.ClaimToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.post(t, base+"/stage/test/finish", map[string]any{
		"claim_token": job.ClaimToken, "status": "success",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.post(t, base+"/complete", map[string]string{
		"claim_token": job.ClaimToken, "status": "success",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	j, err := h.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, j.Status)
}

func TestStaleTokenYields403(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)
	base := fmt.Sprintf("/job/%d", job.ID)

	resp := h.post(t, base+"/stages", map[string]any{
		"claim_token": "not-the-token",
		"stages":      []map[string]string{{"name": "build", "command": "true"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.post(t, base+"/complete", map[string]string{
		"claim_token": "not-the-token", "status": "success",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvalidTransitionYields409(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)
	base := fmt.Sprintf("/job/%d", job.ID)

	resp := h.post(t, base+"/stages", map[string]any{
		"claim_token": job.ClaimToken,
		"stages":      []map[string]string{{"name": "build", "command": "true"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.post(t, base+"/stage/build/finish", map[string]any{
		"claim_token": job.ClaimToken, "status": "failed",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobLogsTokenGated(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)
	base := fmt.Sprintf("/job/%d", job.ID)

	h.post(t, base+"/stages", map[string]any{
		"claim_token": job.ClaimToken,
		"stages":      []map[string]string{{"name": "build", "command": "true"}},
	})
	h.post(t, base+"/stage/build/start", map[string]string{"claim_token": job.ClaimToken})
	h.post(t, base+"/stage/build/log", map[string]any{
		"claim_token": job.ClaimToken, "sequence": 0,
		"lines": []map[string]string{{"line": "hello"}},
	})

	resp, err := http.Get(h.srv.URL + base + "/logs?claim_token=" + job.ClaimToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Lines []store.StageLogLine `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "hello", body.Lines[0].Line)

	resp, err = http.Get(h.srv.URL + base + "/logs?claim_token=wrong")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSyncScheduleAndTriggers(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)

	resp := h.post(t, fmt.Sprintf("/repo/%d/schedule", job.RepoID), map[string]any{
		"claim_token": job.ClaimToken,
		"cron":        "0 0 6 * * * *", "branch": "main", "timezone": "UTC", "enabled": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	schedules, err := h.st.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "0 0 6 * * * *", schedules[0].CronExpr)

	// Disabled schedule removes the stored one.
	resp = h.post(t, fmt.Sprintf("/repo/%d/schedule", job.RepoID), map[string]any{
		"claim_token": job.ClaimToken,
		"branch":      "main", "enabled": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	schedules, err = h.st.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schedules)

	resp = h.post(t, fmt.Sprintf("/repo/%d/triggers", job.RepoID), map[string]any{
		"claim_token": job.ClaimToken,
		"branches":    []string{"main", "develop"}, "pull_requests": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	repo, err := h.st.GetRepo(context.Background(), job.RepoID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "develop"}, repo.Triggers.Branches)

	// A token from another repo's job is rejected.
	resp = h.post(t, fmt.Sprintf("/repo/%d/triggers", job.RepoID+99), map[string]any{
		"claim_token": job.ClaimToken,
		"branches":    []string{"main"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetJobView(t *testing.T) {
	h := newHarness(t)
	h.seedQueuedJob(t)
	job := h.claim(t)
	base := fmt.Sprintf("/job/%d", job.ID)

	h.post(t, base+"/stages", map[string]any{
		"claim_token": job.ClaimToken,
		"stages":      []map[string]string{{"name": "build", "command": "true"}},
	})

	resp, err := http.Get(h.srv.URL + base)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Status string           `json:"Status"`
		Stages []store.JobStage `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Len(t, view.Stages, 1)

	resp, err = http.Get(h.srv.URL + "/job/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
