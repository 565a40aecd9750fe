package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric registries for the node agent subsystems

// Dispatcher Metrics
var (
	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodeagent_event_queue_depth",
			Help: "Current number of events waiting in the dispatcher queue",
		},
	)

	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_events_dispatched_total",
			Help: "Total number of events delivered to handlers",
		},
		[]string{"kind"}, // application, container, localization, launcher
	)

	EventHandlerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_event_handler_panics_total",
			Help: "Total number of handler panics recovered by the dispatcher",
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_events_dropped_total",
			Help: "Total number of events dropped undelivered (no matching handler, or posted after stop)",
		},
		[]string{"reason"}, // no_handler, stopped
	)
)

// Container Lifecycle Metrics
var (
	ContainerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_container_transitions_total",
			Help: "Total number of container state transitions",
		},
		[]string{"state"},
	)

	ContainersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodeagent_containers_running",
			Help: "Number of containers currently in RUNNING state",
		},
	)

	ContainerLaunchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_container_launch_duration_seconds",
			Help:    "Duration from container admission to process launch in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
	)
)

// Localization Metrics
var (
	LocalizationFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_localization_fetches_total",
			Help: "Total number of resource fetches",
		},
		[]string{"result"}, // success, failure
	)

	LocalizationFetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_localization_fetch_duration_seconds",
			Help:    "Duration of resource fetches in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
	)

	LocalizedCacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodeagent_localized_cache_bytes",
			Help: "Bytes of localized resources held per cache partition",
		},
		[]string{"visibility"}, // PUBLIC, PRIVATE, APPLICATION
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_cache_evictions_total",
			Help: "Total number of localized resources evicted from the cache",
		},
	)
)

// Heartbeat Metrics
var (
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_heartbeats_total",
			Help: "Total number of heartbeats sent to the controller",
		},
		[]string{"result"}, // success, failure
	)

	HeartbeatLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_heartbeat_latency_seconds",
			Help:    "Latency of controller heartbeats in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// RPC Metrics
var (
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodeagent_rpc_requests_total",
			Help: "Total number of RPC requests served",
		},
		[]string{"method", "code"},
	)

	RPCRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodeagent_rpc_request_duration_seconds",
			Help:    "Duration of RPC requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"method"},
	)
)
