package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery attempt metrics
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"event", "outcome"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerwatch_delivery_attempt_duration_seconds",
			Help:    "Duration of outbound webhook requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	SkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_skipped_total",
			Help: "Total number of deliveries completed without sending",
		},
		[]string{"reason"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_rate_limit_hits_total",
			Help: "Total number of deliveries rejected by the per-URL rate limit",
		},
	)

	RateLimitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_rate_limit_errors_total",
			Help: "Total number of rate limit checks that failed open",
		},
	)

	// Queue metrics
	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_retries_scheduled_total",
			Help: "Total number of jobs parked on the retry queue",
		},
	)

	RetriesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_retries_forwarded_total",
			Help: "Total number of due retries moved back to the delivery queue",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_dead_lettered_total",
			Help: "Total number of jobs dead-lettered",
		},
		[]string{"status"},
	)

	JobsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_delivery_jobs_dropped_total",
			Help: "Total number of jobs acknowledged without a delivery attempt",
		},
		[]string{"reason"},
	)
)
