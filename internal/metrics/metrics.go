package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics.
var (
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "notifier",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Current pooled connections by state.",
	}, []string{"pool", "state"})

	PoolAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifier",
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Pool acquire attempts by result.",
	}, []string{"pool", "result"})

	PoolAcquireLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notifier",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Latency of pool acquire calls.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"pool"})
)

// Socket server metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notifier",
		Subsystem: "ws",
		Name:      "sessions_active",
		Help:      "Current live realtime sessions on this instance.",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifier",
		Subsystem: "ws",
		Name:      "events_received_total",
		Help:      "Client events received, by event type.",
	}, []string{"event"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifier",
		Subsystem: "ws",
		Name:      "rate_limited_total",
		Help:      "Rate limit hits, by kind (connection or event).",
	}, []string{"kind"})
)

// Delivery metrics.
var (
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifier",
		Subsystem: "delivery",
		Name:      "notifications_total",
		Help:      "Delivered notifications by winning tier.",
	}, []string{"tier"})
)
