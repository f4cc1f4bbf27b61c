// Package metrics provides Prometheus instrumentation for kaid.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kai_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kai_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Hub metrics.
var (
	HubRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kai_hub_requests_total",
		Help: "Total number of hub request/reply calls.",
	}, []string{"method", "status"})

	HubEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kai_hub_events_published_total",
		Help: "Total number of events published on hub channels.",
	}, []string{"topic"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kai_hub_subscribers",
		Help: "Number of active channel subscriptions.",
	})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kai_active_sessions",
		Help: "Number of agent sessions currently held in the cache.",
	})

	QueryRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kai_query_restarts_total",
		Help: "Total number of agent query restarts.",
	})

	SDKMessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kai_sdk_messages_persisted_total",
		Help: "Total number of SDK messages written to the store.",
	})

	RewindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kai_rewinds_total",
		Help: "Total number of rewind executions.",
	}, []string{"mode", "result"})
)

// Room metrics.
var (
	ActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kai_active_session_pairs",
		Help: "Number of active worker/manager session pairs.",
	})

	BridgeForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kai_bridge_forwards_total",
		Help: "Total number of bridge message forwards.",
	}, []string{"direction"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kai_ws_connections_active",
		Help: "Number of active WebSocket client connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kai_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
