package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for stocksync
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Router metrics
	RouterEventsTotal   *prometheus.CounterVec
	RouterEventDuration prometheus.Histogram

	// Coalescer metrics
	RefreshScheduledTotal *prometheus.CounterVec
	RefreshTotal          *prometheus.CounterVec
	RefreshDuration       *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal *prometheus.CounterVec
	StatusMemorySize prometheus.Gauge

	// Dispatcher metrics
	NotificationsTotal *prometheus.CounterVec

	// Cache metrics
	CacheOperations    *prometheus.CounterVec
	CacheFetchDuration prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	ChannelReconnects   prometheus.Counter

	// Snapshot storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	DBSize                   prometheus.Gauge

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_api_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stocksync_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Router metrics
	m.RouterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_router_events_total",
			Help: "Total number of change events classified by the router",
		},
		[]string{"table", "outcome"}, // outcome: routed, dropped_*
	)

	m.RouterEventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stocksync_router_event_duration_seconds",
			Help:    "Time to route, diff and dispatch one change event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	// Coalescer metrics
	m.RefreshScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_refresh_scheduled_total",
			Help: "Total number of refresh requests handed to the coalescer",
		},
		[]string{"audience"},
	)

	m.RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_refresh_total",
			Help: "Total number of refresh fetches by result",
		},
		[]string{"audience", "result"}, // success, error, deferred, forced
	)

	m.RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stocksync_refresh_duration_seconds",
			Help:    "Duration of refresh fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
		[]string{"audience"},
	)

	// Transition metrics
	m.TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_transitions_total",
			Help: "Total number of status observations by outcome",
		},
		[]string{"outcome"}, // transition, duplicate, baseline, insert, delete
	)

	m.StatusMemorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stocksync_status_memory_entries",
			Help: "Number of entities tracked in status memory",
		},
	)

	// Dispatcher metrics
	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_notifications_total",
			Help: "Total number of notification decisions",
		},
		[]string{"kind", "outcome"}, // outcome: delivered, quiet, suppressed, duplicate, failed
	)

	// Cache metrics
	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_cache_operations_total",
			Help: "Total number of query cache operations",
		},
		[]string{"operation"}, // hit, miss, shared, store, stale, invalidate, error
	)

	m.CacheFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stocksync_cache_fetch_duration_seconds",
			Help:    "Duration of fetcher calls made on cache misses in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// Subscription metrics
	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stocksync_subscriptions_active",
			Help: "Number of open change-event channels",
		},
	)

	m.ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stocksync_channel_reconnects_total",
			Help: "Total number of change-event channel reopen attempts",
		},
	)

	// Snapshot storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_storage_operations_total",
			Help: "Total number of snapshot storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stocksync_storage_operation_duration_seconds",
			Help:    "Duration of snapshot storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stocksync_db_size_bytes",
			Help: "Size of the snapshot database in bytes",
		},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stocksync_notifier_connections_active",
			Help: "Number of active notification stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stocksync_notifier_events_published_total",
			Help: "Total number of notifications published to stream clients",
		},
		[]string{"protocol"}, // websocket, sse, broadcast
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stocksync_notifier_event_delay_seconds",
			Help:    "Time spent flushing the broadcast buffer in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	return m
}
