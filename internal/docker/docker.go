// Package docker shells out to the docker CLI for stage execution and
// deployments. The daemon socket is the only contract; no SDK pinning.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/forgeworks/foundry/internal/logfields"
)

// WorkdirMount is the conventional path the workspace is mounted at inside
// stage containers.
const WorkdirMount = "/work"

// killGrace is how long a timed-out container gets between SIGTERM and
// SIGKILL.
const killGrace = 10 * time.Second

// Runner executes docker commands. The zero value uses the docker binary on
// PATH.
type Runner struct {
	// Binary overrides the docker executable, for tests.
	Binary string
}

func (r *Runner) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "docker"
}

// RunSpec describes one stage container.
type RunSpec struct {
	Image        string
	Command      string
	WorkspaceDir string
	Env          []string // KEY=VALUE pairs
	Network      string
	Timeout      time.Duration
}

// Run executes a stage container to completion, streaming merged
// stdout/stderr line by line into output. Returns the container exit code.
// On timeout the container process group gets SIGTERM, then SIGKILL after
// the grace period, and the error unwraps to context.DeadlineExceeded.
func (r *Runner) Run(ctx context.Context, spec RunSpec, output func(line string)) (int, error) {
	args := []string{"run", "--rm",
		"-v", spec.WorkspaceDir + ":" + WorkdirMount,
		"-w", WorkdirMount,
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, spec.Image, "sh", "-lc", spec.Command)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.binary(), args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	finish, err := r.stream(cmd, output)
	if err != nil {
		return -1, err
	}

	err = cmd.Wait()
	finish()
	if runCtx.Err() != nil {
		return -1, fmt.Errorf("container timed out after %s: %w", spec.Timeout, runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run container: %w", err)
	}
	return 0, nil
}

// stream wires merged stdout/stderr through a line scanner into output and
// starts the command. The returned finish must be called after cmd.Wait to
// drain the scanner.
func (r *Runner) stream(cmd *exec.Cmd, output func(line string)) (finish func(), err error) {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			output(scanner.Text())
		}
	}()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		wg.Wait()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return func() {
		_ = pw.Close()
		wg.Wait()
	}, nil
}

// Build builds an image from a Dockerfile in dir.
func (r *Runner) Build(ctx context.Context, dir, dockerfile, tag string, output func(line string)) error {
	args := []string{"build", "-t", tag}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, ".")
	return r.runLogged(ctx, dir, output, args...)
}

// StopAndRemove stops and removes a named container. A missing container is
// not an error.
func (r *Runner) StopAndRemove(ctx context.Context, name string) error {
	if out, err := r.capture(ctx, "", "stop", name); err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("stop container %s: %s", name, strings.TrimSpace(out))
	}
	if out, err := r.capture(ctx, "", "rm", "-f", name); err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("remove container %s: %s", name, strings.TrimSpace(out))
	}
	return nil
}

// ServiceSpec describes a long-running deployed container.
type ServiceSpec struct {
	Name    string
	Image   string
	Port    int
	Network string
	Env     []string
}

// StartService runs a detached service container with restart policy.
func (r *Runner) StartService(ctx context.Context, spec ServiceSpec) error {
	args := []string{"run", "-d",
		"--name", spec.Name,
		"--restart", "unless-stopped",
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Port > 0 {
		args = append(args, "--expose", fmt.Sprint(spec.Port))
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	args = append(args, spec.Image)

	if out, err := r.capture(ctx, "", args...); err != nil {
		return fmt.Errorf("start service %s: %s", spec.Name, strings.TrimSpace(out))
	}
	slog.Info("Service container started", slog.String("name", spec.Name), slog.String("image", spec.Image))
	return nil
}

// ComposeUp brings a compose project up, recreating and rebuilding services.
func (r *Runner) ComposeUp(ctx context.Context, dir, composeFile, project string, output func(line string)) error {
	args := []string{"compose", "-p", project}
	if composeFile != "" {
		args = append(args, "-f", composeFile)
	}
	args = append(args, "up", "-d", "--force-recreate", "--build")
	return r.runLogged(ctx, dir, output, args...)
}

// EnsureNetwork creates the shared network if it does not exist.
func (r *Runner) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := r.capture(ctx, "", "network", "inspect", name); err == nil {
		return nil
	}
	if out, err := r.capture(ctx, "", "network", "create", name); err != nil {
		return fmt.Errorf("create network %s: %s", name, strings.TrimSpace(out))
	}
	return nil
}

func (r *Runner) runLogged(ctx context.Context, dir string, output func(line string), args ...string) error {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Dir = dir
	finish, err := r.stream(cmd, output)
	if err != nil {
		return err
	}
	err = cmd.Wait()
	finish()
	if err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

func (r *Runner) capture(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Debug("docker command failed",
			slog.String("args", strings.Join(args, " ")), logfields.Error(err))
	}
	return string(out), err
}

func isNoSuchContainer(out string) bool {
	return strings.Contains(strings.ToLower(out), "no such container")
}
