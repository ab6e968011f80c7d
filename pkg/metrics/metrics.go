// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve_or_create outcomes
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of resolved records by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ResolutionDuration tracks resolve_or_create duration
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of record resolution in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	// MergesTotal tracks merges by outcome
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of merges by outcome",
		},
		[]string{"outcome"},
	)

	// MergeDuration tracks merge duration
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "merge_duration_seconds",
			Help:      "Duration of merges in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// CandidatesTotal tracks candidates written to the review queue
	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "candidates_total",
			Help:      "Total number of candidates written by tier",
		},
		[]string{"tier"},
	)

	// BlacklistDowngrades tracks decisions downgraded by the soft blacklist
	BlacklistDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "decision",
			Name:      "blacklist_downgrades_total",
			Help:      "Total number of decisions downgraded by the soft blacklist",
		},
	)

	// LockWaitDuration tracks time spent acquiring guard locks
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "guard",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring guard locks in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// LockTimeouts tracks guard acquisitions that ran out of attempts
	LockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "guard",
			Name:      "lock_timeouts_total",
			Help:      "Total number of lock acquisitions that gave up",
		},
	)

	// ParamsVersion reports the active parameter set version
	ParamsVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "params",
			Name:      "active_version",
			Help:      "Version of the active resolution parameter set",
		},
	)

	// BatchItemsProcessed tracks items handled by batch jobs
	BatchItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "items_processed_total",
			Help:      "Total number of items processed by batch jobs",
		},
		[]string{"job", "status"},
	)

	// KafkaMessagesConsumed tracks ingested records
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of records consumed from Kafka",
		},
		[]string{"status"},
	)

	// KafkaEventsPublished tracks emitted subject events
	KafkaEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "events_published_total",
			Help:      "Total number of subject events written to Kafka",
		},
		[]string{"event_type", "status"},
	)
)

// RecordResolution records one resolved record
func RecordResolution(kind, outcome string, d time.Duration) {
	ResolutionsTotal.WithLabelValues(kind, outcome).Inc()
	ResolutionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordMerge records one merge attempt
func RecordMerge(outcome string, d time.Duration) {
	MergesTotal.WithLabelValues(outcome).Inc()
	MergeDuration.Observe(d.Seconds())
}

// RecordCandidate records a candidate written to the queue
func RecordCandidate(tier string) {
	CandidatesTotal.WithLabelValues(tier).Inc()
}

// RecordLockWait records the time spent acquiring guard locks
func RecordLockWait(d time.Duration) {
	LockWaitDuration.Observe(d.Seconds())
}

// RecordBatchItem records one item of a batch job
func RecordBatchItem(job, status string) {
	BatchItemsProcessed.WithLabelValues(job, status).Inc()
}
