// Package metrics defines the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the gateway collectors.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.MessagesIngested.WithLabelValues("socket").Inc()
type Metrics struct {
	// Connections is the number of open transport sessions, authenticated or not.
	Connections prometheus.Gauge

	// OnlineUsers is the number of users with a presence entry.
	OnlineUsers prometheus.Gauge

	// MessagesIngested counts persisted messages.
	// Labels: source (api|socket|system)
	MessagesIngested *prometheus.CounterVec

	// Broadcasts counts frames queued to connections.
	// Labels: event
	Broadcasts *prometheus.CounterVec

	// AuthFailures counts rejected handshakes.
	// Labels: reason (missing|invalid|timeout)
	AuthFailures *prometheus.CounterVec

	// AutoResponses counts auto-responder timers by outcome.
	// Labels: outcome (scheduled|fired|skipped|failed)
	AutoResponses *prometheus.CounterVec

	// BestEffortFailures counts swallowed errors of best-effort steps.
	// Labels: step
	BestEffortFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_gateway_connections",
			Help: "Number of open socket connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_gateway_online_users",
			Help: "Number of users with a live presence entry",
		}),
		MessagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_messages_ingested_total",
			Help: "Messages persisted by the ingestion pipeline by source",
		}, []string{"source"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_broadcast_frames_total",
			Help: "Frames queued to connections by event",
		}, []string{"event"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_auth_failures_total",
			Help: "Rejected socket handshakes by reason",
		}, []string{"reason"}),
		AutoResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_auto_responses_total",
			Help: "Auto-responder timers by outcome",
		}, []string{"outcome"}),
		BestEffortFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_best_effort_failures_total",
			Help: "Errors swallowed by best-effort steps",
		}, []string{"step"}),
	}
}
