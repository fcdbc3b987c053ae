package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/daemon"
	"github.com/forgeworks/foundry/internal/store"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" default:"1" help:"Start the Foundry server"`

	Migrate struct{} `cmd:"" help:"Apply the database schema and exit"`

	Enqueue struct {
		Owner  string `arg:"" help:"Repository owner"`
		Repo   string `arg:"" help:"Repository name"`
		SHA    string `help:"Commit to build" default:"HEAD"`
		Branch string `help:"Branch to build" default:"main"`
	} `cmd:"" help:"Manually enqueue a build for a known repository"`
}

func main() {
	kctx := kong.Parse(&CLI)

	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	config.LoadEnvFiles()
	cfg, err := config.ServerFromEnv()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	var runErr error
	switch kctx.Command() {
	case "serve":
		runErr = runServe(cfg)
	case "migrate":
		runErr = runMigrate(cfg)
	case "enqueue <owner> <repo>":
		runErr = runEnqueue(cfg)
	}
	if runErr != nil {
		slog.Error("Command failed", "error", runErr)
		os.Exit(1)
	}
}

func runServe(cfg *config.Server) error {
	slog.Info("Starting foundryd", "config", cfg.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run(ctx)
}

func runMigrate(cfg *config.Server) error {
	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}
	slog.Info("Schema applied")
	return nil
}

func runEnqueue(cfg *config.Server) error {
	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	ctx := context.Background()
	repo, err := st.GetRepoByName(ctx, CLI.Enqueue.Owner, CLI.Enqueue.Repo)
	if err != nil {
		return fmt.Errorf("repository %s/%s: %w", CLI.Enqueue.Owner, CLI.Enqueue.Repo, err)
	}
	jobID, err := st.EnqueueJob(ctx, repo.ID, CLI.Enqueue.SHA, "refs/heads/"+CLI.Enqueue.Branch, store.EnqueueOpts{
		Trigger: store.TriggerManual,
	})
	if err != nil {
		return err
	}
	slog.Info("Job enqueued", "job_id", jobID, "repository", repo.FullName())
	return nil
}
