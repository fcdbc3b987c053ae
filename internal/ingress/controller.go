// Package ingress routes public hostnames to deployed containers.
package ingress

import (
	"context"
	"log/slog"

	"github.com/forgeworks/foundry/internal/logfields"
)

// Controller maps public hosts to internal targets. Implementations must be
// idempotent: repeating a call with the same arguments is a no-op.
//
// Callers must EnsureDNS after EnsureRoute; the reverse order opens a window
// where the name resolves but nothing answers.
type Controller interface {
	// EnsureRoute routes HTTPS traffic for host to http://target, where
	// target is container:port reachable inside the tunnel runtime.
	EnsureRoute(ctx context.Context, host, target string) error
	// RemoveRoute drops the route for host.
	RemoveRoute(ctx context.Context, host string) error
	// EnsureDNS points host at the provider's canonical ingress hostname.
	EnsureDNS(ctx context.Context, host string) error
}

// Noop is the controller used when no provider is configured. Deployments
// proceed; routing is the operator's problem.
type Noop struct{}

func (Noop) EnsureRoute(_ context.Context, host, target string) error {
	slog.Info("Ingress disabled, skipping route", logfields.Domain(host), slog.String("target", target))
	return nil
}

func (Noop) RemoveRoute(_ context.Context, host string) error {
	slog.Info("Ingress disabled, skipping route removal", logfields.Domain(host))
	return nil
}

func (Noop) EnsureDNS(_ context.Context, host string) error {
	slog.Info("Ingress disabled, skipping DNS", logfields.Domain(host))
	return nil
}
