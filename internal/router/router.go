// Package router implements the message routing table for the chat layer.
// Targeted chats go to a single named recipient, agent broadcasts and
// chatClosed notices fan out to supervisory roles. Delivery is
// fire-and-forget: a message addressed to an offline recipient is dropped
// silently and the sender receives no failure notice.
package router

import (
	"errors"

	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/registry"
	"github.com/real-rm/agentchat/internal/websocket"
	"github.com/real-rm/golog"
)

var (
	// ErrNilEvent is returned when a nil event is provided
	ErrNilEvent = errors.New("event cannot be nil")
)

// Router delivers chat events to their recipients using the connection
// registry as the single source of truth for who is online.
type Router struct {
	registry *registry.Registry
	logger   *golog.Logger
}

// New creates a message router backed by the given registry
func New(reg *registry.Registry, logger *golog.Logger) *Router {
	return &Router{
		registry: reg,
		logger:   logger.WithGroup("router"),
	}
}

// RouteChat delivers a chat event according to the routing table.
// A specific recipient username resolves to at most one connection; the
// broadcast target fans out to every registered supervisor, the sender
// included when it is one. Suppressing the echo is the client's job.
// Unknown or offline recipients are dropped without error.
func (r *Router) RouteChat(ev *event.Chat) error {
	// No else needed: early return pattern (guard clause)
	if ev == nil {
		return ErrNilEvent
	}

	data, err := event.Encode(ev)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	// No else needed: early return pattern (broadcast path)
	if ev.Broadcast() {
		r.fanOutToSupervisors(data, event.TypeChat)
		return nil
	}

	conn, ok := r.registry.LookupByUsername(ev.To)
	// No else needed: early return pattern (silent drop for offline recipient)
	if !ok {
		r.logger.Debug("Recipient not connected, dropping chat",
			"from", ev.From,
			"to", ev.To)
		metrics.EventsDropped.Inc()
		return nil
	}

	r.deliver(conn, data, event.TypeChat)

	return nil
}

// RouteChatClosed notifies supervisory roles that an agent's conversation
// ended. The transport connection stays open; this is a business event only.
func (r *Router) RouteChatClosed(ev *event.ChatClosed) error {
	// No else needed: early return pattern (guard clause)
	if ev == nil {
		return ErrNilEvent
	}

	data, err := event.Encode(ev)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	r.fanOutToSupervisors(data, event.TypeChatClosed)

	return nil
}

// NotifySupervisors delivers a server-originated event to every registered
// supervisor. Used for assistant escalation hand-offs.
func (r *Router) NotifySupervisors(ev event.Event) error {
	// No else needed: early return pattern (guard clause)
	if ev == nil {
		return ErrNilEvent
	}

	data, err := event.Encode(ev)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	r.fanOutToSupervisors(data, ev.EventType())

	return nil
}

// fanOutToSupervisors sends an encoded frame to every registered supervisory
// connection. Recipients with full send buffers are skipped.
func (r *Router) fanOutToSupervisors(data []byte, typ event.Type) {
	delivered := 0
	for conn := range r.registry.Supervisors() {
		if r.deliver(conn, data, typ) {
			delivered++
		}
	}

	// No else needed: optional operation (a fan-out with no recipients is not an error)
	if delivered == 0 {
		r.logger.Debug("No supervisors connected for fan-out", "type", string(typ))
	}
}

// deliver enqueues an encoded frame on a connection's send buffer.
// Returns false when the buffer is full or the connection is closing.
func (r *Router) deliver(conn *websocket.Connection, data []byte, typ event.Type) bool {
	// No else needed: early return pattern (guard clause)
	if !conn.SafeSend(data) {
		r.logger.Warn("Dropping event, connection send buffer full",
			"connection_id", conn.ConnectionID,
			"type", string(typ))
		metrics.EventsDropped.Inc()
		return false
	}

	metrics.EventsDelivered.WithLabelValues(string(typ)).Inc()

	return true
}
