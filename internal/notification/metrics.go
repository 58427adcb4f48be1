package notification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivery_attempts_total",
			Help: "Delivery attempts by channel type and outcome",
		},
		[]string{"channel_type", "outcome"},
	)

	suppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_suppressed_total",
			Help: "Notifications skipped or deferred by user preferences and rate limits",
		},
		[]string{"reason"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifications_delivery_duration_seconds",
			Help:    "Time spent in the provider call",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"channel_type"},
	)

	batchesFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_batches_finished_total",
			Help: "Batches that reached a terminal status",
		},
		[]string{"status"},
	)

	scheduleRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_schedule_runs_total",
			Help: "Schedule runs that produced a batch",
		},
	)

	staleRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_stale_requeued_total",
			Help: "Notifications stuck in sending that were returned to pending",
		},
	)
)

func recordAttempt(channelType ChannelType, outcome string, took time.Duration) {
	deliveryAttemptsTotal.WithLabelValues(string(channelType), outcome).Inc()
	deliveryDuration.WithLabelValues(string(channelType)).Observe(took.Seconds())
}

func recordSuppressed(reason string) {
	suppressedTotal.WithLabelValues(reason).Inc()
}

func recordBatchFinished(status BatchStatus) {
	batchesFinishedTotal.WithLabelValues(string(status)).Inc()
}
