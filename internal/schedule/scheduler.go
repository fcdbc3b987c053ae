package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/metrics"
	"github.com/forgeworks/foundry/internal/store"
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	ListSchedules(ctx context.Context) ([]store.Schedule, error)
	SetNextRun(ctx context.Context, scheduleID int64, next time.Time) error
	AdvanceSchedule(ctx context.Context, scheduleID int64, observedLastRun *time.Time, firedAt, next time.Time) (bool, error)
	EnqueueJob(ctx context.Context, repoID int64, sha, ref string, opts store.EnqueueOpts) (int64, error)
}

// Scheduler ticks over the schedule table and enqueues jobs whose fire time
// has passed. Missed windows coalesce: however long the daemon was down, a
// due schedule fires once and then advances past now.
type Scheduler struct {
	store     Store
	scheduler gocron.Scheduler
	interval  time.Duration
	now       func() time.Time
}

// NewScheduler builds a scheduler ticking at the given interval.
func NewScheduler(st Store, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Second
	}
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{store: st, scheduler: gs, interval: interval, now: time.Now}, nil
}

// Start registers the tick job and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithName("schedule-tick"),
	)
	if err != nil {
		return fmt.Errorf("register schedule tick: %w", err)
	}
	slog.Info("Starting scheduler", slog.Duration("interval", s.interval))
	s.scheduler.Start()
	return nil
}

// Stop shuts the tick loop down.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// Tick evaluates every enabled schedule once. Exported so tests and the CLI
// can drive the loop directly.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		slog.Error("Listing schedules failed", logfields.Error(err))
		return
	}
	now := s.now()
	for _, sc := range schedules {
		if err := s.evaluate(ctx, sc, now); err != nil {
			slog.Error("Schedule evaluation failed",
				logfields.ScheduleID(sc.ID), logfields.Error(err))
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sc store.Schedule, now time.Time) error {
	// First sighting after upsert or restart: compute and persist the next
	// fire time, never firing retroactively for times before the expression
	// was (re)registered.
	if sc.NextRunAt == nil {
		next, err := NextInZone(sc.CronExpr, sc.Timezone, now)
		if err != nil {
			return err
		}
		return s.store.SetNextRun(ctx, sc.ID, next)
	}
	if sc.NextRunAt.After(now) {
		return nil
	}

	// Due. Coalesce any backlog by computing the next fire from now, then
	// claim the window with a compare-and-set before enqueueing.
	next, err := NextInZone(sc.CronExpr, sc.Timezone, now)
	if err != nil {
		return err
	}
	won, err := s.store.AdvanceSchedule(ctx, sc.ID, sc.LastRunAt, now, next)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	jobID, err := s.store.EnqueueJob(ctx, sc.RepoID, store.SHASentinel, "refs/heads/"+sc.Branch, store.EnqueueOpts{
		Trigger:        store.TriggerSchedule,
		ScheduledJobID: &sc.ID,
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled job: %w", err)
	}
	metrics.ScheduleFires.Inc()
	slog.Info("Scheduled build enqueued",
		logfields.ScheduleID(sc.ID),
		logfields.JobID(jobID),
		logfields.Branch(sc.Branch),
		slog.Time("next_run", next))
	return nil
}
