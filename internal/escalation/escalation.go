// Package escalation tracks consecutive escalation-flagged assistant turns
// per conversation and decides when a hand-off to a human supervisor fires.
package escalation

import (
	"sync"

	"github.com/real-rm/agentchat/internal/constants"
	"github.com/real-rm/agentchat/internal/metrics"
)

// Tracker counts consecutive escalate turns per conversation. A turn without
// the escalation flag resets the count; reaching the threshold fires a
// hand-off and resets the count so a resumed conversation starts clean.
type Tracker struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
}

// NewTracker creates a tracker with the given hand-off threshold.
// A threshold <= 0 falls back to the default policy.
func NewTracker(threshold int) *Tracker {
	// No else needed: optional operation (default threshold)
	if threshold <= 0 {
		threshold = constants.EscalationThreshold
	}

	return &Tracker{
		counts:    make(map[string]int),
		threshold: threshold,
	}
}

// Observe records the outcome of one assistant turn for a conversation and
// reports whether a hand-off fires on this turn.
func (t *Tracker) Observe(conversationID string, escalate bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// No else needed: early return pattern (a non-escalating turn resets the streak)
	if !escalate {
		delete(t.counts, conversationID)
		return false
	}

	t.counts[conversationID]++
	// No else needed: early return pattern (streak below threshold)
	if t.counts[conversationID] < t.threshold {
		return false
	}

	delete(t.counts, conversationID)
	metrics.EscalationHandoffs.Inc()

	return true
}

// Reset clears the streak for a conversation, for when it ends or the agent
// disconnects.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, conversationID)
}

// Count returns the current streak for a conversation
func (t *Tracker) Count(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conversationID]
}
