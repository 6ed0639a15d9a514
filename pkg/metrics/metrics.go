package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capture metrics
	EventsCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_captured_total",
			Help: "Total number of events captured by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_dropped_total",
			Help: "Total number of events shed under storage pressure",
		},
	)

	// Sync metrics
	EventsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_synced_total",
			Help: "Total number of events accepted by the collection endpoint",
		},
		[]string{"kind"},
	)

	EventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_failed_total",
			Help: "Total number of events marked failed after delivery gave up",
		},
		[]string{"kind"},
	)

	EventsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_lost_total",
			Help: "Total number of events permanently lost after the re-queue ceiling",
		},
	)

	BatchesFormed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_batches_formed_total",
			Help: "Total number of batches formed by trigger (size, latency, flush, priority)",
		},
		[]string{"trigger"},
	)

	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_delivery_attempts_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_duration_seconds",
			Help:    "Delivery attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SyncHealth counts permanent delivery failures, the
	// telemetry-about-telemetry signal surfaced to diagnostics.
	SyncHealth = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_sync_permanent_failures_total",
			Help: "Total number of batches that failed permanently",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_queue_depth",
			Help: "Number of pending work items",
		},
	)

	EventsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_purged_total",
			Help: "Total number of events removed by the retention sweep",
		},
	)

	ItemsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_work_items_reclaimed_total",
			Help: "Total number of stale processing items returned to pending",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsCaptured)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventsSynced)
	prometheus.MustRegister(EventsFailed)
	prometheus.MustRegister(EventsLost)
	prometheus.MustRegister(BatchesFormed)
	prometheus.MustRegister(DeliveryAttempts)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(SyncHealth)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EventsPurged)
	prometheus.MustRegister(ItemsReclaimed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
