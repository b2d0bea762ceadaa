// Package metrics declares the Prometheus collectors exported by a worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comet_connections_active",
		Help: "The current number of admitted connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comet_connections_total",
		Help: "The total number of admitted connections.",
	})
	RejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_connections_rejected_total",
		Help: "Connections rejected during admission, by error code.",
	}, []string{"code"})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comet_messages_received_total",
		Help: "The total number of frames received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comet_messages_sent_total",
		Help: "The total number of frames queued to clients.",
	})
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_handler_failures_total",
		Help: "Socket handler errors and panics, by event.",
	}, []string{"event"})

	// Relay metrics
	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "Messages published to the cross-worker relay.",
	})
	RelayReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Relay messages dispatched to local listeners.",
	})
	RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Relay messages dropped, by reason.",
	}, []string{"reason"})

	// Queue metrics
	QueuePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_published_total",
		Help: "Messages published to the durable queue.",
	}, []string{"queue"})
	QueueSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_settled_total",
		Help: "Queue deliveries settled, by outcome.",
	}, []string{"queue", "outcome"})

	// Session metrics
	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_resumed_total",
		Help: "Sessions resumed with a reconnection token.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_expired_total",
		Help: "Persistence records deleted after the grace period.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
