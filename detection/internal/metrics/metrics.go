package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerwatch_detection_run_duration_seconds",
			Help:    "Duration of detection runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_records_total",
			Help: "Total number of records processed",
		},
		[]string{"outcome"},
	)

	// Emission metrics
	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_threats_total",
			Help: "Total number of threats emitted",
		},
		[]string{"rule"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_notification_failures_total",
			Help: "Total number of failed pub/sub publishes and webhook enqueues",
		},
		[]string{"channel"},
	)

	// Similarity metrics
	SimilarityTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_similarity_timeouts_total",
			Help: "Total number of similarity searches that hit their deadline",
		},
	)

	EmbeddingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_detection_embeddings_total",
			Help: "Total number of records embedded during backfill",
		},
		[]string{"status"},
	)
)
