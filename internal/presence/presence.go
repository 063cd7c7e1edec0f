// Package presence pushes the supervisor roster to connected clients. The
// model is push-only: every supervisory membership change re-sends the full
// current roster to every registered connection, agents included, since the
// frontend shows "who is online" to everyone. No diffs, no subscriptions;
// roster size is bounded by active staff count, not call volume.
package presence

import (
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/registry"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/golog"
)

// Broadcaster recomputes and pushes the roster on registry changes
type Broadcaster struct {
	registry *registry.Registry
	logger   *golog.Logger
}

// NewBroadcaster creates a broadcaster reading from the given registry.
// Wire it up with registry.OnRosterChange(b.Push).
func NewBroadcaster(reg *registry.Registry, logger *golog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		logger:   logger.WithGroup("presence"),
	}
}

// Push sends a userList event with the full current roster to every
// registered connection. Delivery is fire-and-forget per connection; a slow
// recipient never stalls the push to the others.
func (b *Broadcaster) Push() {
	roster := b.registry.Roster()

	data, err := event.Encode(&event.UserList{Supervisors: roster})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(b.logger, "presence", "encode roster", err)
		return
	}

	sent := 0
	for conn := range b.registry.All() {
		if conn.SafeSend(data) {
			sent++
		} else {
			b.logger.Warn("Dropped roster push, send channel full or closing",
				"connection_id", conn.ConnectionID)
		}
	}

	metrics.RosterPushes.Inc()
	b.logger.Debug("Roster pushed",
		"supervisors", len(roster),
		"recipients", sent)
}
