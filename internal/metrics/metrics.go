// Package metrics holds the process-wide Prometheus collectors. Counters
// are registered at init and incremented from the layers that own the
// events they count.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProviderCalls counts outbound provider API calls. outcome is "ok" or
	// the classified error kind.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "provider",
		Name:      "api_calls_total",
		Help:      "Outbound provider API calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	// SandboxesCreated counts successful sandbox creations.
	SandboxesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "sandboxes",
		Name:      "created_total",
		Help:      "Sandboxes created by provider.",
	}, []string{"provider"})

	// EventsPublished counts agent events appended to run buses.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Agent events appended to run event buses.",
	})

	// SubscribersDropped counts SSE subscribers removed for falling behind.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "events",
		Name:      "subscribers_dropped_total",
		Help:      "Event bus subscribers dropped after queue overflow.",
	})

	// RunsFinished counts runs by terminal aggregate status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "runs",
		Name:      "finished_total",
		Help:      "Runs reaching a terminal status, by outcome.",
	}, []string{"status"})
)

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
