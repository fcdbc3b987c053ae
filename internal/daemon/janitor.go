package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/metrics"
)

const janitorInterval = 60 * time.Second

// JanitorStore is the slice of the persistence layer the janitor needs.
type JanitorStore interface {
	ReapStaleJobs(ctx context.Context, staleBefore, idleAfter time.Time) ([]int64, error)
}

// Janitor fails running jobs whose agent stopped reporting: started long
// enough ago and no log activity within the idle window. Reaped jobs get
// their claim token cleared, so a late-returning agent is refused.
type Janitor struct {
	store        JanitorStore
	scheduler    gocron.Scheduler
	staleTimeout time.Duration
	idleTimeout  time.Duration
	now          func() time.Time
}

// NewJanitor builds a janitor with the configured timeouts.
func NewJanitor(st JanitorStore, staleTimeout, idleTimeout time.Duration) *Janitor {
	return &Janitor{
		store:        st,
		staleTimeout: staleTimeout,
		idleTimeout:  idleTimeout,
		now:          time.Now,
	}
}

// Start registers the reap loop and begins firing.
func (j *Janitor) Start(ctx context.Context) error {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create janitor scheduler: %w", err)
	}
	j.scheduler = gs
	_, err = gs.NewJob(
		gocron.DurationJob(janitorInterval),
		gocron.NewTask(func() { j.Sweep(ctx) }),
		gocron.WithName("janitor-sweep"),
	)
	if err != nil {
		return fmt.Errorf("register janitor sweep: %w", err)
	}
	slog.Info("Starting janitor",
		slog.Duration("stale_timeout", j.staleTimeout),
		slog.Duration("idle_timeout", j.idleTimeout))
	gs.Start()
	return nil
}

// Stop shuts the reap loop down.
func (j *Janitor) Stop() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}

// Sweep reaps once. Exported so tests can drive the loop directly.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()
	reaped, err := j.store.ReapStaleJobs(ctx, now.Add(-j.staleTimeout), now.Add(-j.idleTimeout))
	if err != nil {
		slog.Error("Janitor sweep failed", logfields.Error(err))
		return
	}
	for _, id := range reaped {
		metrics.JanitorReaps.Inc()
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		slog.Warn("Reaped stale job", logfields.JobID(id))
	}
}
