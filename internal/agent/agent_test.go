package agent

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/deploy"
	"github.com/forgeworks/foundry/internal/dispatch"
	"github.com/forgeworks/foundry/internal/docker"
	"github.com/forgeworks/foundry/internal/store"
)

// fakeDockerBinary executes the container command directly on the host: for
// run, the command string is always the last docker argument; build just
// echoes its tag.
func fakeDockerBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake docker script needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = build ]; then echo \"built $3\"; exit 0; fi\n" +
		"for a; do last=$a; done\n" +
		"exec sh -c \"$last\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type agentHarness struct {
	st       *store.Store
	cfg      *config.Agent
	client   *Client
	executor *Executor
}

func newAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := chi.NewRouter()
	r.Route(dispatch.Prefix, dispatch.NewAPI(st).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cfg := &config.Agent{
		AgentID:      "agent-test",
		ServerURL:    srv.URL,
		WorkspaceDir: t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		Workers:      1,
		StageTimeout: time.Minute,
	}
	client := NewClient(cfg.ServerURL, cfg.AgentID)
	runner := &docker.Runner{Binary: fakeDockerBinary(t)}
	executor := NewExecutor(cfg, client, runner, deploy.NewReconciler(runner, nil, "foundry-test"))
	return &agentHarness{st: st, cfg: cfg, client: client, executor: executor}
}

// initRepo builds a local git repository with the given files and returns its
// path and head SHA.
func initRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com"},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func (h *agentHarness) enqueue(t *testing.T, cloneURL, sha string) int64 {
	t.Helper()
	ctx := context.Background()
	repoID, err := h.st.UpsertRepo(ctx, "acme", "demo", store.RepoMeta{
		CloneURL: cloneURL, DefaultBranch: "master",
	})
	require.NoError(t, err)
	jobID, err := h.st.EnqueueJob(ctx, repoID, sha, "refs/heads/master", store.EnqueueOpts{})
	require.NoError(t, err)
	return jobID
}

func (h *agentHarness) claimAndExecute(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	job, err := h.client.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	h.executor.Execute(ctx, job)
	return job.ID
}

func stagesByName(t *testing.T, st *store.Store, jobID int64) map[string]store.JobStage {
	t.Helper()
	stages, err := st.ListStages(context.Background(), jobID)
	require.NoError(t, err)
	byName := make(map[string]store.JobStage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}
	return byName
}

func TestExecutorRunsPipelineToSuccess(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{
		"foundry.toml": `
[build]
image = "ubuntu:latest"

[[stages]]
name = "hello"
command = "echo from-hello"

[[stages]]
name = "world"
command = "echo from-world"
`,
	})
	jobID := h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, job.Status)

	byName := stagesByName(t, h.st, jobID)
	require.Len(t, byName, 3)
	assert.Equal(t, store.StageSuccess, byName["clone"].Status)
	assert.Equal(t, store.StageSuccess, byName["hello"].Status)
	assert.Equal(t, store.StageSuccess, byName["world"].Status)

	lines, err := h.st.JobLogs(context.Background(), jobID)
	require.NoError(t, err)
	var seen []string
	for _, l := range lines {
		seen = append(seen, l.Line)
	}
	assert.Contains(t, seen, "from-hello")
	assert.Contains(t, seen, "from-world")

	// Workspace is removed after the run.
	_, err = os.Stat(filepath.Join(h.cfg.WorkspaceDir, fmt.Sprintf("job-%d", jobID)))
	assert.True(t, os.IsNotExist(err))
}

func TestExecutorFailureSkipsRemainingStages(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{
		"foundry.toml": `
[build]
image = "ubuntu:latest"

[[stages]]
name = "first"
command = "exit 3"

[[stages]]
name = "second"
command = "echo never"
`,
	})
	jobID := h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "first")

	byName := stagesByName(t, h.st, jobID)
	require.Equal(t, store.StageFailed, byName["first"].Status)
	require.NotNil(t, byName["first"].ExitCode)
	assert.Equal(t, 3, *byName["first"].ExitCode)
	assert.Equal(t, store.StageSkipped, byName["second"].Status)
}

func TestExecutorSynthesizesDefaultPipeline(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{"README.md": "no manifest here"})
	jobID := h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, job.Status)

	byName := stagesByName(t, h.st, jobID)
	require.Len(t, byName, 2)
	assert.Equal(t, store.StageSuccess, byName["build"].Status)
}

func TestExecutorBuildsDockerfileForStages(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{
		"Dockerfile": "FROM scratch\n",
		"foundry.toml": `
[build]
dockerfile = "Dockerfile"
command = "echo in-built-image"
`,
	})
	jobID := h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, job.Status)

	byName := stagesByName(t, h.st, jobID)
	require.Contains(t, byName, "docker-build")
	assert.Equal(t, store.StageSuccess, byName["docker-build"].Status)
	// The default stage runs in the image built from the Dockerfile, not in
	// any stock fallback.
	assert.Equal(t, fmt.Sprintf("foundry-job-%d:%s", jobID, sha[:8]), byName["build"].Image)

	lines, err := h.st.JobLogs(context.Background(), jobID)
	require.NoError(t, err)
	var seen []string
	for _, l := range lines {
		seen = append(seen, l.Line)
	}
	assert.Contains(t, seen, fmt.Sprintf("built foundry-job-%d:%s", jobID, sha[:8]))
}

func TestExecutorDockerfileBuildFailureFailsJob(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{
		"foundry.toml": "[build]\ndockerfile = \"Dockerfile\"\n",
	})

	// A docker binary whose build subcommand always fails.
	failing := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\nif [ \"$1\" = build ]; then echo \"no Dockerfile\"; exit 1; fi\n" +
		"for a; do last=$a; done\nexec sh -c \"$last\"\n"
	require.NoError(t, os.WriteFile(failing, []byte(script), 0o755))
	h.executor.docker = &docker.Runner{Binary: failing}

	jobID := h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "build image")

	byName := stagesByName(t, h.st, jobID)
	assert.Equal(t, store.StageFailed, byName["docker-build"].Status)
}

func TestExecutorUsesRepoDefaultImage(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{"README.md": "no manifest"})
	jobID := h.enqueue(t, src, sha)

	ctx := context.Background()
	job, err := h.client.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotEmpty(t, job.Image)
	h.executor.Execute(ctx, job)

	// The synthesized stage runs in the repository's default image carried on
	// the claim, not a hardcoded one.
	byName := stagesByName(t, h.st, jobID)
	assert.Equal(t, job.Image, byName["build"].Image)
}

func TestExecutorResolvesSentinelSHA(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{"README.md": "tip"})
	jobID := h.enqueue(t, src, store.SHASentinel)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSuccess, job.Status)
	assert.Equal(t, sha, job.GitSHA)
}

func TestExecutorSyncsManifestSchedule(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{
		"foundry.toml": `
[build]
image = "ubuntu:latest"
command = "echo built"

[schedule]
cron = "0 0 6 * * * *"
timezone = "UTC"
`,
	})
	h.enqueue(t, src, sha)
	h.claimAndExecute(t)

	schedules, err := h.st.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "0 0 6 * * * *", schedules[0].CronExpr)
	assert.Equal(t, "master", schedules[0].Branch)
}

func TestExecutorCloneFailureFailsJob(t *testing.T) {
	h := newAgentHarness(t)
	jobID := h.enqueue(t, filepath.Join(t.TempDir(), "nope"), store.SHASentinel)
	h.claimAndExecute(t)

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)

	byName := stagesByName(t, h.st, jobID)
	assert.Equal(t, store.StageFailed, byName["clone"].Status)
}

func TestAgentRunPicksUpQueuedJob(t *testing.T) {
	h := newAgentHarness(t)
	src, sha := initRepo(t, map[string]string{"README.md": "x"})
	jobID := h.enqueue(t, src, sha)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(h.cfg, h.client, h.executor)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := h.st.GetJob(context.Background(), jobID)
		return err == nil && job.Status == store.JobSuccess
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
