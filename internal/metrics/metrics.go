// Package metrics provides Prometheus instrumentation for the SafeTalk chat
// backend. It exposes gauges for connection counts, counters for message and
// event throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safetalk_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "delivered", "read", "blocked", "deleted", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safetalk_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// EventsDispatched counts real-time events pushed to clients, labeled by
	// event type and by whether the push landed on a live connection.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safetalk_events_dispatched_total",
		Help: "Total number of real-time events dispatched",
	}, []string{"event", "result"}) // result = "delivered", "offline", "dropped"

	// MessageLatency records end-to-end send handling latency in seconds
	// (moderation gate included).
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safetalk_message_latency_seconds",
		Help:    "Message send handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ModerationLatency records classifier round-trip latency in seconds.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safetalk_moderation_latency_seconds",
		Help:    "Moderation classifier round-trip latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3},
	})

	// ModerationResults counts moderation verdicts, labeled by decision:
	// "allow", "soften", "block", or "unavailable".
	ModerationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safetalk_moderation_results_total",
		Help: "Total number of moderation verdicts by decision",
	}, []string{"decision"})

	// TypingActive tracks the current number of active typing indicators.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safetalk_typing_active",
		Help: "Current number of active typing indicators",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		EventsDispatched,
		MessageLatency,
		ModerationLatency,
		ModerationResults,
		TypingActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
