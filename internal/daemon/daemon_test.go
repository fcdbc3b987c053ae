package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/dispatch"
)

type recordingReaper struct {
	staleBefore time.Time
	idleAfter   time.Time
	reaped      []int64
}

func (r *recordingReaper) ReapStaleJobs(_ context.Context, staleBefore, idleAfter time.Time) ([]int64, error) {
	r.staleBefore = staleBefore
	r.idleAfter = idleAfter
	return r.reaped, nil
}

func TestJanitorSweepUsesConfiguredCutoffs(t *testing.T) {
	reaper := &recordingReaper{reaped: []int64{7}}
	j := NewJanitor(reaper, 30*time.Minute, 10*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	j.Sweep(context.Background())

	assert.Equal(t, now.Add(-30*time.Minute), reaper.staleBefore)
	assert.Equal(t, now.Add(-10*time.Minute), reaper.idleAfter)
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(&config.Server{
		BindAddr:            "127.0.0.1:0",
		DatabaseURL:         ":memory:",
		GitHubWebhookSecret: "s3cret",
		StaleTimeout:        30 * time.Minute,
		IdleTimeout:         10 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.store.Close() })
	return d
}

func TestDaemonRoutes(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unsigned webhook delivery is refused.
	resp, err = http.Post(srv.URL+"/webhook/github", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Dispatch is mounted under its prefix; an empty queue yields 204.
	resp, err = http.Post(srv.URL+dispatch.Prefix+"/claim", "application/json",
		strings.NewReader(`{"agent_id":"agent-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
