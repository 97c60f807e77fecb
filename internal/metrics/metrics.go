package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay state
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Currently registered connections",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_rooms_active",
			Help: "Rooms with at least one member",
		},
	)

	// Relay traffic
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_received_total",
			Help: "Inbound events by name and outcome",
		},
		[]string{"event", "outcome"}, // outcome: "ok", "malformed", "unknown", "ignored"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Room broadcasts by event name",
		},
		[]string{"event"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Per-recipient deliveries by result",
		},
		[]string{"result"}, // "sent" or "dropped"
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limited_frames_total",
			Help: "Inbound frames discarded by the per-connection rate limit",
		},
	)

	// History
	HistoryAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_history_appends_total",
			Help: "History appends by result",
		},
		[]string{"result"}, // "ok" or "error"
	)

	HistoryCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_history_cache_total",
			Help: "History cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)
)
