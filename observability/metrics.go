// Package observability provides Prometheus metrics for the execution engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExecutionBuckets spans fast interpreter runs through compile-heavy requests
// that hit the maximum timeout.
var ExecutionBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

var (
	// ExecutionsTotal counts finished executions by language, path and status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyrun_executions_total",
			Help: "Finished executions",
		},
		[]string{"language", "path", "status"},
	)

	// ExecutionDuration records end-to-end execution latency in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polyrun_execution_duration_seconds",
			Help:    "End-to-end execution latency",
			Buckets: ExecutionBuckets,
		},
		[]string{"language", "path"},
	)

	// ActiveSandboxes tracks provisioned sandboxes and temp workspaces not yet torn down.
	ActiveSandboxes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polyrun_active_sandboxes",
			Help: "Sandboxes not yet torn down",
		},
		[]string{"path"},
	)

	// FallbackTotal counts requests routed to the local executor.
	FallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyrun_fallback_total",
			Help: "Requests served by the local fallback executor",
		},
		[]string{"reason"},
	)

	// RejectedTotal counts requests rejected before any allocation.
	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyrun_rejected_total",
			Help: "Requests rejected before allocation",
		},
		[]string{"reason"},
	)

	// TeardownFailuresTotal counts resources whose teardown returned an error.
	TeardownFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyrun_teardown_failures_total",
			Help: "Teardown failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ActiveSandboxes,
		FallbackTotal,
		RejectedTotal,
		TeardownFailuresTotal,
	)
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
