package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/internal/store"
)

const testSecret = "hunter2"

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewHandler(st, testSecret), st
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, h *Handler, event, deliveryID string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pushBody(ref, after string) []byte {
	ev := PushEvent{
		Ref:   ref,
		After: after,
		HeadCommit: &HeadCommit{
			ID:      after,
			Message: "fix: widget alignment",
			URL:     "https://github.com/acme/demo/commit/" + after,
			Author:  CommitPerson{Name: "Dev"},
		},
		Repository: Repository{
			Name:          "demo",
			FullName:      "acme/demo",
			Owner:         Owner{Login: "acme"},
			CloneURL:      "https://github.com/acme/demo.git",
			DefaultBranch: "main",
		},
	}
	b, _ := json.Marshal(ev)
	return b
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"x":1}`)
	assert.True(t, VerifySignature(testSecret, body, sign(body)))
	assert.False(t, VerifySignature(testSecret, body, "sha256=deadbeef"))
	assert.False(t, VerifySignature(testSecret, body, "sha1=whatever"))
	assert.False(t, VerifySignature("other", body, sign(body)))
}

func TestBadSignatureIsPersistedAndRejected(t *testing.T) {
	h, st := newTestHandler(t)
	body := pushBody("refs/heads/main", "abc123")

	rec := deliver(t, h, "push", "d-1", body, "sha256=0000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	d, err := st.GetDelivery(context.Background(), "d-1")
	require.NoError(t, err)
	assert.False(t, d.SignatureValid)

	jobs, err := st.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPushToAllowedBranchEnqueues(t *testing.T) {
	h, st := newTestHandler(t)
	body := pushBody("refs/heads/main", "abc123")

	rec := deliver(t, h, "push", "d-2", body, sign(body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotZero(t, resp["job_id"])

	j, err := st.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "abc123", j.GitSHA)
	assert.Equal(t, store.TriggerPush, j.Trigger)
	assert.Equal(t, "fix: widget alignment", j.Commit.Message)

	d, err := st.GetDelivery(context.Background(), "d-2")
	require.NoError(t, err)
	assert.True(t, d.Processed)
	require.NotNil(t, d.JobID)
	assert.Equal(t, resp["job_id"], *d.JobID)
}

func TestPushToOtherBranchIsFiltered(t *testing.T) {
	h, st := newTestHandler(t)
	body := pushBody("refs/heads/feature-x", "abc123")

	rec := deliver(t, h, "push", "d-3", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	d, err := st.GetDelivery(context.Background(), "d-3")
	require.NoError(t, err)
	assert.True(t, d.Processed)
	assert.Equal(t, "filtered", d.ErrorMessage)

	jobs, err := st.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRedeliveryAfterBadSignatureEnqueues(t *testing.T) {
	h, st := newTestHandler(t)
	body := pushBody("refs/heads/main", "abc123")

	// First attempt signed with a stale secret; the provider redelivers the
	// same GUID after the secret is fixed and that attempt must build.
	rec := deliver(t, h, "push", "d-13", body, "sha256=0000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(t, h, "push", "d-13", body, sign(body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobs, err := st.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDuplicateDeliveryEnqueuesOnce(t *testing.T) {
	h, st := newTestHandler(t)
	body := pushBody("refs/heads/main", "abc123")

	rec := deliver(t, h, "push", "d-4", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = deliver(t, h, "push", "d-4", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	jobs, err := st.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestBranchDeletionIsIgnored(t *testing.T) {
	h, _ := newTestHandler(t)
	body := pushBody("refs/heads/main", "0000000000000000000000000000000000000000")

	rec := deliver(t, h, "push", "d-5", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTagPushIsIgnored(t *testing.T) {
	h, _ := newTestHandler(t)
	body := pushBody("refs/tags/v1.0.0", "abc123")

	rec := deliver(t, h, "push", "d-6", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMalformedPayloadReturns400AndRetainsDelivery(t *testing.T) {
	h, st := newTestHandler(t)
	body := []byte(`{"ref": 42}`)

	rec := deliver(t, h, "push", "d-7", body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d, err := st.GetDelivery(context.Background(), "d-7")
	require.NoError(t, err)
	assert.False(t, d.Processed)
	assert.NotEmpty(t, d.ErrorMessage)
}

func TestUnsupportedEventType(t *testing.T) {
	h, st := newTestHandler(t)
	body := []byte(`{"zen": "Design for failure."}`)

	rec := deliver(t, h, "ping", "d-8", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	d, err := st.GetDelivery(context.Background(), "d-8")
	require.NoError(t, err)
	assert.True(t, d.Processed)
	assert.Equal(t, "unsupported", d.ErrorMessage)
}

func prBody(action string, draft bool, base string) []byte {
	ev := PullRequestEvent{
		Action: action,
		Number: 17,
		PullRequest: PullRequest{
			Number:  17,
			Title:   "Add widgets",
			HTMLURL: "https://github.com/acme/demo/pull/17",
			User:    PRUser{Login: "dev"},
			Head:    PullRequestRef{Ref: "feature-x", SHA: "feedface"},
			Base:    PullRequestRef{Ref: base, SHA: "abc123"},
			Draft:   draft,
		},
		Repository: Repository{
			Name:          "demo",
			FullName:      "acme/demo",
			Owner:         Owner{Login: "acme"},
			CloneURL:      "https://github.com/acme/demo.git",
			DefaultBranch: "main",
		},
	}
	b, _ := json.Marshal(ev)
	return b
}

func TestPullRequestRespectsTriggerRules(t *testing.T) {
	h, st := newTestHandler(t)

	// PRs are off by default.
	body := prBody("opened", false, "main")
	rec := deliver(t, h, "pull_request", "d-9", body, sign(body))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	repo, err := st.GetRepoByName(context.Background(), "acme", "demo")
	require.NoError(t, err)
	require.NoError(t, st.SyncTriggers(context.Background(), repo.ID, store.TriggerRules{
		Branches: []string{"main"}, PullRequests: true,
	}))

	body = prBody("opened", false, "main")
	rec = deliver(t, h, "pull_request", "d-10", body, sign(body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	j, err := st.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "feedface", j.GitSHA)
	assert.Equal(t, store.TriggerPullRequest, j.Trigger)
	require.NotNil(t, j.PRNumber)
	assert.EqualValues(t, 17, *j.PRNumber)
}

func TestDraftAndClosedPRsDoNotBuild(t *testing.T) {
	h, st := newTestHandler(t)

	seed := prBody("opened", false, "main")
	deliver(t, h, "pull_request", "d-11", seed, sign(seed))
	repo, err := st.GetRepoByName(context.Background(), "acme", "demo")
	require.NoError(t, err)
	require.NoError(t, st.SyncTriggers(context.Background(), repo.ID, store.TriggerRules{
		Branches: []string{"main"}, PullRequests: true,
	}))

	for name, body := range map[string][]byte{
		"draft":  prBody("opened", true, "main"),
		"closed": prBody("closed", false, "main"),
	} {
		rec := deliver(t, h, "pull_request", "d-12-"+name, body, sign(body))
		assert.Equal(t, http.StatusNoContent, rec.Code, name)
	}
}
