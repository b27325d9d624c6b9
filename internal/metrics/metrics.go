// Package metrics exposes Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evidentia"

var (
	// fragmentsRouted counts fragments by routing outcome.
	// Labels: status (auto_integrated, needs_decision, rejected, pending)
	fragmentsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "fragments_total",
		Help:      "Fragments processed by resulting status",
	}, []string{"status"})

	// decisionsResolved counts resolved decisions by outcome.
	// Labels: outcome (integrated, retained, skipped)
	decisionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decisions",
		Name:      "resolved_total",
		Help:      "Pending decisions resolved by outcome",
	}, []string{"outcome"})

	// collaboratorLatency measures collaborator calls.
	// Labels: collaborator (extraction, research), outcome (success, error, cache_hit)
	collaboratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "collaborator",
		Name:      "latency_seconds",
		Help:      "Collaborator call latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"collaborator", "outcome"})

	// collaboratorRetries counts retried collaborator attempts.
	collaboratorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collaborator",
		Name:      "retries_total",
		Help:      "Collaborator attempts retried after a failure",
	}, []string{"collaborator"})

	// gridHealth tracks the last computed health per grid.
	gridHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "health",
		Help:      "Last computed grid health score",
	}, []string{"grid"})

	// predicamentsOpen tracks open predicaments by state.
	predicamentsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tension",
		Name:      "predicaments",
		Help:      "Open predicaments by state",
	}, []string{"state"})

	// backgroundTasks counts background recompute and scan tasks.
	// Labels: kind (health, scan), outcome (completed, failed, superseded)
	backgroundTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "background",
		Name:      "tasks_total",
		Help:      "Background tasks by kind and outcome",
	}, []string{"kind", "outcome"})

	// auditDuration measures audit runs.
	auditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "duration_seconds",
		Help:      "Audit run duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// httpRequests counts API requests.
	// Labels: method, route, status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests",
	}, []string{"method", "route", "status"})

	// httpLatency measures API request latency.
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "latency_seconds",
		Help:      "HTTP API request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordFragment records the status a processed fragment ended in
func RecordFragment(status string) {
	fragmentsRouted.WithLabelValues(status).Inc()
}

// RecordDecision records a resolved decision
func RecordDecision(outcome string) {
	decisionsResolved.WithLabelValues(outcome).Inc()
}

// RecordCollaboratorCall records the latency and outcome of a collaborator call
func RecordCollaboratorCall(collaborator, outcome string, durationSec float64) {
	collaboratorLatency.WithLabelValues(collaborator, outcome).Observe(durationSec)
}

// RecordCollaboratorRetry records one retried attempt
func RecordCollaboratorRetry(collaborator string) {
	collaboratorRetries.WithLabelValues(collaborator).Inc()
}

// SetGridHealth records the last computed health of a grid
func SetGridHealth(gridID string, health float64) {
	gridHealth.WithLabelValues(gridID).Set(health)
}

// SetOpenPredicaments records the number of open predicaments per state
func SetOpenPredicaments(byState map[string]int) {
	predicamentsOpen.Reset()
	for state, n := range byState {
		predicamentsOpen.WithLabelValues(state).Set(float64(n))
	}
}

// RecordBackgroundTask records the outcome of a background task
func RecordBackgroundTask(kind, outcome string) {
	backgroundTasks.WithLabelValues(kind, outcome).Inc()
}

// RecordAudit records the duration of an audit run
func RecordAudit(durationSec float64) {
	auditDuration.Observe(durationSec)
}

// RecordHTTPRequest records one API request
func RecordHTTPRequest(method, route, status string, durationSec float64) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpLatency.WithLabelValues(method, route).Observe(durationSec)
}
