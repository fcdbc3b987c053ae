package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/forgeworks/foundry/internal/agent"
	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/deploy"
	"github.com/forgeworks/foundry/internal/docker"
	"github.com/forgeworks/foundry/internal/ingress"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Run struct{} `cmd:"" default:"1" help:"Start the build agent"`
}

func main() {
	kong.Parse(&CLI)

	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	config.LoadEnvFiles()
	cfg, err := config.AgentFromEnv()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting foundry-agent", "config", cfg.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agent.NewClient(cfg.ServerURL, cfg.AgentID)
	runner := &docker.Runner{}

	var ing ingress.Controller
	tunnel, err := config.TunnelFromEnv()
	if err != nil {
		slog.Error("Tunnel configuration invalid", "error", err)
		os.Exit(1)
	}
	if tunnel != nil {
		ing = ingress.NewCloudflare(*tunnel)
		slog.Info("Cloudflare tunnel ingress enabled")
	}
	reconciler := deploy.NewReconciler(runner, ing, cfg.NetworkName)

	executor := agent.NewExecutor(cfg, client, runner, reconciler)
	a := agent.New(cfg, client, executor)
	if err := a.Run(ctx); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent stopped")
}
