// Package metrics defines the Prometheus instruments for the coordination
// core: job lifecycle counters, a job duration histogram, and counters for
// dedup and idempotency outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the coordination components emit to.
// Construct one per process with New and inject it; tests pass a fresh
// prometheus.NewRegistry to stay isolated.
type Metrics struct {
	JobsRegistered *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobsRetried    *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobsCancelled  *prometheus.CounterVec
	JobsTimedOut   *prometheus.CounterVec
	JobsDeadLetter *prometheus.CounterVec
	JobsActive     prometheus.Gauge
	JobDuration    prometheus.Histogram

	DedupEvents *prometheus.CounterVec

	IdempotencyRequests *prometheus.CounterVec
}

// New registers all coordination instruments on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_registered_total",
			Help: "Jobs registered with the tracker, by job type.",
		}, []string{"type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Jobs completed successfully, by job type.",
		}, []string{"type"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Job failures that re-entered the retry loop, by job type.",
		}, []string{"type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Jobs that exhausted retries, by job type.",
		}, []string{"type"}),
		JobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Jobs cancelled before completion, by job type.",
		}, []string{"type"}),
		JobsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_timed_out_total",
			Help: "Jobs removed by the timeout sweep, by job type.",
		}, []string{"type"}),
		JobsDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_dead_letter_total",
			Help: "Jobs dead-lettered after retry exhaustion or timeout, by job type.",
		}, []string{"type"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Jobs currently tracked (running or pending retry).",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		DedupEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_events_total",
			Help: "Deduplicator decisions: processed, duplicate, or store_error.",
		}, []string{"result"}),
		IdempotencyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_requests_total",
			Help: "Idempotency middleware outcomes: passthrough, accepted, replay, conflict, completed, failed, store_error, invalid_key.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.JobsRegistered, m.JobsCompleted, m.JobsRetried, m.JobsFailed,
		m.JobsCancelled, m.JobsTimedOut, m.JobsDeadLetter,
		m.JobsActive, m.JobDuration,
		m.DedupEvents,
		m.IdempotencyRequests,
	)
	return m
}
