// Package metrics holds the Prometheus collectors shared by the queue, the
// model invoker and the stage processors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grader"

// Job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Job attempts finished per queue and outcome.",
	}, []string{"queue", "outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "waiting_jobs",
		Help:      "Jobs waiting to be picked up per queue.",
	}, []string{"queue"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time per queue.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"queue"})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Provider calls per invoker and outcome (ok, rate_limited, transient, terminal).",
	}, []string{"invoker", "outcome"})

	DispatchWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "dispatch_wait_seconds",
		Help:      "Time a request spent queued behind the rate limiter.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"invoker"})

	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_outcomes_total",
		Help:      "Stage runs per stage and resulting status.",
	}, []string{"stage", "status"})
)
