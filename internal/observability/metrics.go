package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "delivery_tracking", Name: "connections_active", Help: "Currently open websocket connections"})
	EventsBroadcast   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "events_broadcast_total", Help: "Events broadcast to rooms"},
		[]string{"event"},
	)
	InvalidTransitions  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "invalid_transitions_total", Help: "Rejected order status transitions"})
	MalformedPayloads   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "malformed_payloads_total", Help: "Frames dropped for failing shape validation"})
	SlowSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "slow_subscriber_drops_total", Help: "Connections torn down because their send buffer overflowed"})
	AuthFailures        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "auth_failures_total", Help: "Rejected connection handshakes"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
