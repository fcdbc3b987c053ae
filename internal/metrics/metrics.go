// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prom.NewRegistry()

var (
	// DeliveriesTotal counts inbound webhook deliveries by outcome:
	// enqueued, duplicate, filtered, invalid_signature, ignored.
	DeliveriesTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "foundry",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by handling outcome",
	}, []string{"outcome"})

	// JobsTotal counts job status transitions.
	JobsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "foundry",
		Name:      "jobs_total",
		Help:      "Job lifecycle transitions by resulting status",
	}, []string{"status"})

	// ClaimsTotal counts claim attempts by result: granted, empty.
	ClaimsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "foundry",
		Name:      "claims_total",
		Help:      "Job claim attempts by result",
	}, []string{"result"})

	// ScheduleFires counts scheduled builds enqueued.
	ScheduleFires = prom.NewCounter(prom.CounterOpts{
		Namespace: "foundry",
		Name:      "schedule_fires_total",
		Help:      "Scheduled builds enqueued",
	})

	// JanitorReaps counts jobs failed by the stale-job janitor.
	JanitorReaps = prom.NewCounter(prom.CounterOpts{
		Namespace: "foundry",
		Name:      "janitor_reaps_total",
		Help:      "Running jobs failed for agent timeout",
	})
)

func init() {
	registry.MustRegister(DeliveriesTotal, JobsTotal, ClaimsTotal, ScheduleFires, JanitorReaps)
}

// Handler serves the registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
