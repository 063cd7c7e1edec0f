// Package metrics provides Prometheus metrics collection for the agentchat
// application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchat_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredConnections tracks the current number of registered connections by role
	RegisteredConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentchat_registered_connections",
		Help: "Current number of registered connections by role",
	}, []string{"role"})

	// EventsReceived tracks the total number of events received from clients by type
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_events_received_total",
		Help: "Total number of events received from clients by type",
	}, []string{"type"})

	// EventsDelivered tracks the total number of events delivered to clients by type
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_events_delivered_total",
		Help: "Total number of events delivered to clients by type",
	}, []string{"type"})

	// EventsDropped tracks routed events that found no live recipient
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_events_dropped_total",
		Help: "Total number of events dropped because no recipient was connected",
	})

	// MalformedEvents tracks frames rejected at the protocol boundary
	MalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_malformed_events_total",
		Help: "Total number of frames rejected as malformed",
	})

	// RosterPushes tracks full-roster userList pushes
	RosterPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_roster_pushes_total",
		Help: "Total number of userList roster pushes",
	})

	// Evictions tracks connections evicted by a re-registration of the same username
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_evictions_total",
		Help: "Total number of connections evicted by username re-registration",
	})

	// EscalationHandoffs tracks assistant-to-supervisor hand-offs
	EscalationHandoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_escalation_handoffs_total",
		Help: "Total number of assistant escalation hand-offs",
	})

	// AssistantTurns tracks assistant turn evaluations by outcome
	AssistantTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_assistant_turns_total",
		Help: "Total number of assistant turn evaluations by outcome",
	}, []string{"outcome"})

	// ChatLogErrors tracks chat log persistence failures (never fatal to delivery)
	ChatLogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_chatlog_errors_total",
		Help: "Total number of chat log persistence failures",
	})

	// EventErrors tracks event processing errors
	EventErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_event_errors_total",
		Help: "Total number of event processing errors",
	})

	// MongoDBOperationDuration tracks the duration of MongoDB operations
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentchat_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentchat_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})
)
