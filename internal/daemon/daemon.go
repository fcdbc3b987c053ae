// Package daemon assembles the server: store, webhook ingress, dispatch API,
// scheduler, janitor, metrics, and optional event publishing.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/dispatch"
	"github.com/forgeworks/foundry/internal/events"
	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/metrics"
	"github.com/forgeworks/foundry/internal/schedule"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/webhook"
	"github.com/forgeworks/foundry/internal/workergroup"
)

const (
	schedulerTick = time.Second
	stopTimeout   = 30 * time.Second
)

// Daemon owns the server's long-running pieces.
type Daemon struct {
	cfg       *config.Server
	store     *store.Store
	scheduler *schedule.Scheduler
	janitor   *Janitor
	publisher *events.Publisher
	server    *http.Server
	workers   workergroup.Group
}

// New builds the daemon: opens the store, applies the schema, and wires the
// HTTP surface. NATS is optional; everything else is required.
func New(cfg *config.Server) (*Daemon, error) {
	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	sched, err := schedule.NewScheduler(st, schedulerTick)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		janitor:   NewJanitor(st, cfg.StaleTimeout, cfg.IdleTimeout),
	}

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("nats publisher: %w", err)
		}
		d.publisher = pub
	}

	d.server = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Store exposes the daemon's store for CLI subcommands.
func (d *Daemon) Store() *store.Store { return d.store }

func (d *Daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, "/webhook/github",
		webhook.NewHandler(d.store, d.cfg.GitHubWebhookSecret))

	api := dispatch.NewAPI(d.store)
	if d.publisher != nil {
		api.WithNotifier(d.publisher)
	}
	r.Route(dispatch.Prefix, api.Routes)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down gracefully within the stop timeout.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Daemon starting", slog.String("bind_addr", d.cfg.BindAddr))

	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := d.janitor.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	d.workers.Go(func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Daemon stopping")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := d.server.Shutdown(stopCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", logfields.Error(err))
	}
	if err := d.scheduler.Stop(); err != nil {
		slog.Warn("Scheduler shutdown failed", logfields.Error(err))
	}
	if err := d.janitor.Stop(); err != nil {
		slog.Warn("Janitor shutdown failed", logfields.Error(err))
	}
	if err := d.workers.StopAndWait(stopCtx); err != nil {
		slog.Warn("Workers did not stop in time", logfields.Error(err))
	}
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	return d.store.Close()
}
