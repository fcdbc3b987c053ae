package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/deploy"
	"github.com/forgeworks/foundry/internal/docker"
	"github.com/forgeworks/foundry/internal/gitclone"
	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/manifest"
	"github.com/forgeworks/foundry/internal/store"
)

// cloneStage is the synthetic stage that receives clone output.
const cloneStage = "clone"

// imageStage is the synthetic stage that receives docker build output when
// the manifest declares a Dockerfile.
const imageStage = "docker-build"

// deployStage is the synthetic stage recorded when a deployment fails.
const deployStage = "deploy"

// Executor runs one claimed job end to end.
type Executor struct {
	cfg        *config.Agent
	client     *Client
	docker     *docker.Runner
	reconciler *deploy.Reconciler
}

// NewExecutor wires the executor's dependencies.
func NewExecutor(cfg *config.Agent, client *Client, d *docker.Runner, rec *deploy.Reconciler) *Executor {
	return &Executor{cfg: cfg, client: client, docker: d, reconciler: rec}
}

// Execute runs the pipeline for a claimed job. The terminal status is always
// reported to the server, and the workspace is always removed.
func (e *Executor) Execute(ctx context.Context, job *store.ClaimedJob) {
	start := time.Now()
	workspace := filepath.Join(e.cfg.WorkspaceDir, fmt.Sprintf("job-%d", job.ID))
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			slog.Warn("Workspace cleanup failed", logfields.JobID(job.ID), logfields.Error(err))
		}
	}()

	slog.Info("Executing job",
		logfields.JobID(job.ID),
		logfields.Repository(job.RepoOwner+"/"+job.RepoName),
		logfields.SHA(job.GitSHA))

	status, errMsg := e.run(ctx, job, workspace)

	if err := e.client.Complete(ctx, job, status, errMsg); err != nil {
		slog.Error("Reporting job completion failed", logfields.JobID(job.ID), logfields.Error(err))
	}
	_ = e.client.ReportMetrics(ctx, job, map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"agent_id":    e.cfg.AgentID,
	})
	slog.Info("Job finished",
		logfields.JobID(job.ID),
		logfields.JobStatus(string(status)),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
}

// run produces the job's terminal status. Split from Execute so every exit
// path funnels through the single Complete call.
func (e *Executor) run(ctx context.Context, job *store.ClaimedJob, workspace string) (store.JobStatus, string) {
	m, err := e.prepare(ctx, job, workspace)
	if err != nil {
		return store.JobFailed, err.Error()
	}

	// Stages without an image run in the built image in dockerfile mode,
	// otherwise in the repository's default image.
	fallback := job.Image
	if m.Build.Dockerfile != "" {
		built, err := e.buildImage(ctx, job, workspace, m)
		if err != nil {
			return store.JobFailed, fmt.Sprintf("build image: %v", err)
		}
		fallback = built
	}

	stages := m.EffectiveStages(fallback)
	specs := make([]store.StageSpec, 0, len(stages))
	for _, st := range stages {
		specs = append(specs, store.StageSpec{Name: st.Name, Image: st.Image, Command: st.Command})
	}
	if err := e.client.RegisterStages(ctx, job, specs); err != nil {
		return store.JobFailed, fmt.Sprintf("register stages: %v", err)
	}

	for i, st := range stages {
		ok, err := e.runStage(ctx, job, workspace, m, st)
		if err != nil {
			e.skipRemaining(ctx, job, stages[i+1:])
			return store.JobFailed, fmt.Sprintf("stage %s: %v", st.Name, err)
		}
		if !ok {
			e.skipRemaining(ctx, job, stages[i+1:])
			return store.JobFailed, fmt.Sprintf("stage %s failed", st.Name)
		}
	}

	if m.Deploy.Enabled() {
		if err := e.deploy(ctx, job, workspace, m); err != nil {
			return store.JobFailed, fmt.Sprintf("deploy: %v", err)
		}
	}
	return store.JobSuccess, ""
}

// prepare clones the source into the workspace under a synthetic clone
// stage, parses the manifest, and syncs schedule and trigger declarations
// back to the server.
func (e *Executor) prepare(ctx context.Context, job *store.ClaimedJob, workspace string) (*manifest.Manifest, error) {
	if err := e.client.RegisterStages(ctx, job, []store.StageSpec{{Name: cloneStage, Command: "git clone"}}); err != nil {
		return nil, fmt.Errorf("register clone stage: %w", err)
	}
	if err := e.client.StartStage(ctx, job, cloneStage); err != nil {
		return nil, fmt.Errorf("start clone stage: %w", err)
	}

	logger := newStageLogger(ctx, e.client, job, cloneStage)
	sha, cloneErr := gitclone.Clone(ctx, workspace, gitclone.CloneOpts{
		URL:      job.CloneURL,
		SHA:      job.GitSHA,
		Ref:      job.GitRef,
		Progress: lineWriter{logger},
	})
	logger.Close()

	if cloneErr != nil {
		_ = e.client.FinishStage(ctx, job, cloneStage, store.StageResult{
			Status: store.StageFailed, ErrorMessage: cloneErr.Error(),
		})
		return nil, cloneErr
	}
	if err := e.client.FinishStage(ctx, job, cloneStage, store.StageResult{Status: store.StageSuccess}); err != nil {
		return nil, err
	}
	if job.GitSHA == store.SHASentinel {
		if err := e.client.ResolveSHA(ctx, job, sha); err != nil {
			slog.Warn("Recording resolved SHA failed", logfields.JobID(job.ID), logfields.Error(err))
		}
		job.GitSHA = sha
	}

	m, err := manifest.Load(workspace)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &manifest.Manifest{}
	}
	e.syncDeclarations(ctx, job, m)
	return m, nil
}

// syncDeclarations pushes the manifest's schedule and trigger blocks so the
// repository's own file governs server-side behavior. Failures are logged,
// not fatal; the build itself does not depend on them.
func (e *Executor) syncDeclarations(ctx context.Context, job *store.ClaimedJob, m *manifest.Manifest) {
	branch := branchOf(job.GitRef)
	if branch == "" {
		return
	}
	if m.Schedule.On() {
		sb := m.Schedule
		schedBranch := sb.Branch
		if schedBranch == "" {
			schedBranch = branch
		}
		if err := e.client.SyncSchedule(ctx, job, sb.Cron, schedBranch, sb.Timezone, true); err != nil {
			slog.Warn("Schedule sync failed", logfields.JobID(job.ID), logfields.Error(err))
		}
	} else {
		if err := e.client.SyncSchedule(ctx, job, "", branch, "", false); err != nil {
			slog.Warn("Schedule sync failed", logfields.JobID(job.ID), logfields.Error(err))
		}
	}
	if m.Triggers != nil {
		if err := e.client.SyncTriggers(ctx, job, m.Triggers.Rules()); err != nil {
			slog.Warn("Trigger sync failed", logfields.JobID(job.ID), logfields.Error(err))
		}
	}
}

// buildImage builds the manifest's Dockerfile under a synthetic stage and
// returns the per-job tag.
func (e *Executor) buildImage(ctx context.Context, job *store.ClaimedJob, workspace string, m *manifest.Manifest) (string, error) {
	if err := e.client.RegisterStages(ctx, job, []store.StageSpec{{Name: imageStage, Command: "docker build"}}); err != nil {
		return "", err
	}
	if err := e.client.StartStage(ctx, job, imageStage); err != nil {
		return "", err
	}

	tag := fmt.Sprintf("foundry-job-%d:%s", job.ID, shortSHA(job.GitSHA))
	logger := newStageLogger(ctx, e.client, job, imageStage)
	buildErr := e.docker.Build(ctx, workspace, m.Build.Dockerfile, tag, logger.Write)
	logger.Close()

	if buildErr != nil {
		_ = e.client.FinishStage(ctx, job, imageStage, store.StageResult{
			Status: store.StageFailed, ErrorMessage: buildErr.Error(),
		})
		return "", buildErr
	}
	if err := e.client.FinishStage(ctx, job, imageStage, store.StageResult{Status: store.StageSuccess}); err != nil {
		return "", err
	}
	return tag, nil
}

// runStage executes one stage container. Returns ok=false on a non-zero
// exit, err only on infrastructure failures.
func (e *Executor) runStage(ctx context.Context, job *store.ClaimedJob, workspace string, m *manifest.Manifest, st manifest.Stage) (bool, error) {
	if err := e.client.StartStage(ctx, job, st.Name); err != nil {
		return false, err
	}

	logger := newStageLogger(ctx, e.client, job, st.Name)
	code, runErr := e.docker.Run(ctx, docker.RunSpec{
		Image:        st.Image,
		Command:      st.Command,
		WorkspaceDir: workspace,
		Env:          m.StageEnv(st),
		Network:      e.cfg.NetworkName,
		Timeout:      e.cfg.StageTimeout,
	}, logger.Write)
	logger.Close()

	if runErr != nil {
		msg := runErr.Error()
		if ctx.Err() == nil && isTimeout(runErr) {
			msg = "timeout"
		}
		_ = e.client.FinishStage(ctx, job, st.Name, store.StageResult{
			Status: store.StageFailed, ErrorMessage: msg,
		})
		return false, runErr
	}
	if code != 0 {
		_ = e.client.FinishStage(ctx, job, st.Name, store.StageResult{
			Status: store.StageFailed, ExitCode: &code,
			ErrorMessage: fmt.Sprintf("exit code %d", code),
		})
		return false, nil
	}
	zero := 0
	if err := e.client.FinishStage(ctx, job, st.Name, store.StageResult{
		Status: store.StageSuccess, ExitCode: &zero,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// skipRemaining marks the stages after a failure as skipped so the pipeline
// view shows a terminal state for every stage.
func (e *Executor) skipRemaining(ctx context.Context, job *store.ClaimedJob, rest []manifest.Stage) {
	for _, st := range rest {
		if err := e.client.FinishStage(ctx, job, st.Name, store.StageResult{Status: store.StageSkipped}); err != nil {
			slog.Warn("Skipping stage failed",
				logfields.JobID(job.ID), logfields.Stage(st.Name), logfields.Error(err))
		}
	}
}

// deploy runs the reconciler under a synthetic deploy stage so failures are
// visible in the pipeline.
func (e *Executor) deploy(ctx context.Context, job *store.ClaimedJob, workspace string, m *manifest.Manifest) error {
	if err := e.client.RegisterStages(ctx, job, []store.StageSpec{{Name: deployStage, Command: "deploy"}}); err != nil {
		return err
	}
	if err := e.client.StartStage(ctx, job, deployStage); err != nil {
		return err
	}

	logger := newStageLogger(ctx, e.client, job, deployStage)
	err := e.reconciler.Deploy(ctx, deploy.Request{
		RepoKey:      job.RepoOwner + "/" + job.RepoName,
		WorkspaceDir: workspace,
		Manifest:     m,
		GitSHA:       job.GitSHA,
		Output:       logger.Write,
	})
	logger.Close()

	if err != nil {
		_ = e.client.FinishStage(ctx, job, deployStage, store.StageResult{
			Status: store.StageFailed, ErrorMessage: err.Error(),
		})
		return err
	}
	return e.client.FinishStage(ctx, job, deployStage, store.StageResult{Status: store.StageSuccess})
}

// lineWriter adapts a stage logger to io.Writer for clone progress.
type lineWriter struct {
	logger *stageLogger
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range splitLines(p) {
		w.logger.Write(line)
	}
	return len(p), nil
}

func splitLines(p []byte) []string {
	var lines []string
	start := 0
	for i, b := range p {
		if b == '\n' || b == '\r' {
			if i > start {
				lines = append(lines, string(p[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(p) {
		lines = append(lines, string(p[start:]))
	}
	return lines
}

func branchOf(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ""
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
