package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/workergroup"
)

// Agent polls the dispatch API with a fixed pool of workers. Each worker
// claims and executes one job at a time; an empty queue backs the worker off
// by the poll interval, a successful claim polls again immediately.
type Agent struct {
	cfg      *config.Agent
	client   *Client
	executor *Executor
	workers  workergroup.Group
}

// New builds an agent from its configuration and executor.
func New(cfg *config.Agent, client *Client, executor *Executor) *Agent {
	return &Agent{cfg: cfg, client: client, executor: executor}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has finished.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("Agent starting",
		logfields.AgentID(a.cfg.AgentID),
		slog.String("server_url", a.cfg.ServerURL),
		slog.Int("workers", a.cfg.Workers))

	for i := 0; i < a.cfg.Workers; i++ {
		worker := i
		a.workers.Go(func() { a.pollLoop(ctx, worker) })
	}

	<-ctx.Done()
	slog.Info("Agent stopping, waiting for in-flight jobs")

	// Workers abort their containers on cancellation; this bounds the wait
	// for them to report and exit. Jobs that never report are reaped by the
	// server's janitor.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.workers.StopAndWait(stopCtx)
}

func (a *Agent) pollLoop(ctx context.Context, worker int) {
	log := slog.With(logfields.AgentID(a.cfg.AgentID), slog.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := a.client.Claim(ctx)
		if err != nil {
			log.Warn("Claim failed", logfields.Error(err))
			sleep(ctx, a.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, a.cfg.PollInterval)
			continue
		}
		a.executor.Execute(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
