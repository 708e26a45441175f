package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "FindNearby latency seconds"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Online drivers seen by the last presence scan"})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_heartbeats_total", Help: "Driver location heartbeats stored"})

	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Drivers notified per dispatch",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Ride accept attempts by outcome"},
		[]string{"result"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	BookkeepingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "completion_bookkeeping_errors_total", Help: "Swallowed failures after ride completion"},
		[]string{"step"},
	)

	RoutingLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "routing_latency_seconds", Help: "Routing engine call latency"})
	RoutingFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routes answered by the geometric estimate"})
	RoutingBreakerOpen    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "routing_breaker_open", Help: "1 while the routing circuit is open"})

	NotifyQueueDepth   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "notify_queue_depth", Help: "Events waiting for delivery"})
	NotifyDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_dropped_total", Help: "Events dropped before delivery"},
		[]string{"reason"},
	)
	NotifyDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_delivered_total", Help: "Events handed to the sink"},
		[]string{"event", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open WebSocket sessions"})
)
