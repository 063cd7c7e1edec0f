// Package registry provides the authoritative index of live connections and
// the identities they registered under. It supports O(1) lookup in both
// directions and owns the per-connection lifecycle state; no other component
// holds a long-lived reference to a connection, only looks it up here.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/websocket"
	"github.com/real-rm/golog"
)

var (
	// ErrInvalidIdentity is returned when a registration carries an empty
	// username or an unknown role. The connection stays Connecting; the
	// caller decides whether to retry or drop.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrNilConnection is returned when a nil connection is provided
	ErrNilConnection = errors.New("connection cannot be nil")
)

// State is the lifecycle state of a connection. Transitions happen only
// through Track, Register and Unregister; Closed is terminal.
type State int

const (
	// StateConnecting is the state between transport open and a valid
	// registration
	StateConnecting State = iota
	// StateRegistered is the state after a valid registration
	StateRegistered
	// StateClosed is the terminal state after transport close or eviction
	StateClosed
)

// String returns the state name for logging
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// entry is the registry-owned record for one tracked connection
type entry struct {
	conn     *websocket.Connection
	identity event.Identity
	state    State
}

// Registry is the authoritative map from live connection to identity and from
// username to live connection. All mutation happens under a single lock;
// reads for routing observe a consistent snapshot.
type Registry struct {
	mu         sync.RWMutex
	entries    map[*websocket.Connection]*entry
	byUsername map[string]*entry
	order      []*entry // insertion order of registered entries, oldest first
	logger     *golog.Logger

	// onRosterChange is invoked (outside the lock) after any mutation that
	// changes supervisory membership. Exactly one subscriber: the presence
	// broadcaster.
	onRosterChange func()
}

// New creates an empty registry
func New(logger *golog.Logger) *Registry {
	return &Registry{
		entries:    make(map[*websocket.Connection]*entry),
		byUsername: make(map[string]*entry),
		logger:     logger.WithGroup("registry"),
	}
}

// OnRosterChange sets the callback invoked whenever supervisory membership
// changes. Must be set before the registry starts receiving traffic.
func (r *Registry) OnRosterChange(fn func()) {
	r.onRosterChange = fn
}

// Track records a newly opened connection in the Connecting state.
// Idempotent: tracking an already known connection is a no-op.
func (r *Registry) Track(conn *websocket.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[conn]; !ok {
		r.entries[conn] = &entry{conn: conn, state: StateConnecting}
	}
}

// Register transitions a connection from Connecting to Registered and indexes
// it under its identity. An invalid identity fails with ErrInvalidIdentity and
// leaves the connection Connecting.
//
// If another live connection is already registered under the same username,
// that connection is evicted: closed and removed before the new one is
// indexed, so at most one registered connection exists per username.
func (r *Registry) Register(conn *websocket.Connection, id event.Identity) error {
	if conn == nil {
		return ErrNilConnection
	}
	if id.Username == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidIdentity)
	}
	if !id.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, id.Role)
	}

	var evicted *websocket.Connection
	rosterChanged := false
	var dereg []event.Role

	r.mu.Lock()

	e, ok := r.entries[conn]
	// No else needed: direct Register without Track is allowed (tests, eviction races)
	if !ok {
		e = &entry{conn: conn, state: StateConnecting}
		r.entries[conn] = e
	}

	// Re-registration of the same connection under a new identity: drop the
	// old index entries first. The old identity leaves the gauge here because
	// Unregister will only see the new one.
	if e.state == StateRegistered {
		r.removeLocked(e)
		dereg = append(dereg, e.identity.Role)
		if e.identity.Role.Supervisory() {
			rosterChanged = true
		}
		e.state = StateConnecting
	}

	// Evict any other live connection holding this username. The eviction
	// deletes its entry, so the later Unregister from its read pump is a
	// no-op; the gauge must come down here.
	if prev, exists := r.byUsername[id.Username]; exists && prev.conn != conn {
		r.removeLocked(prev)
		prev.state = StateClosed
		delete(r.entries, prev.conn)
		dereg = append(dereg, prev.identity.Role)
		if prev.identity.Role.Supervisory() {
			rosterChanged = true
		}
		evicted = prev.conn
	}

	e.identity = id
	e.state = StateRegistered
	r.byUsername[id.Username] = e
	r.order = append(r.order, e)

	if id.Role.Supervisory() {
		rosterChanged = true
	}

	r.mu.Unlock()

	metrics.RegisteredConnections.WithLabelValues(string(id.Role)).Inc()
	for _, role := range dereg {
		metrics.RegisteredConnections.WithLabelValues(string(role)).Dec()
	}

	// Close the evicted socket outside the lock; its read pump will observe
	// the close and unregister, which is a no-op by then.
	if evicted != nil {
		metrics.Evictions.Inc()
		evicted.SetClosing()
		if err := evicted.Close(); err != nil {
			r.logger.Warn("Failed to close evicted connection",
				"username", id.Username,
				"error", err)
		}
		r.logger.Info("Evicted stale connection on re-registration",
			"username", id.Username)
	}

	r.logger.Info("Connection registered",
		"username", id.Username,
		"role", id.Role)

	if rosterChanged {
		r.notifyRosterChange()
	}

	return nil
}

// Unregister transitions a connection to Closed and removes all index entries
// for it. Idempotent: unregistering an unknown or already closed connection is
// a no-op, not an error.
func (r *Registry) Unregister(conn *websocket.Connection) {
	if conn == nil {
		return
	}

	rosterChanged := false
	var id event.Identity
	wasRegistered := false

	r.mu.Lock()
	e, ok := r.entries[conn]
	if ok {
		if e.state == StateRegistered {
			r.removeLocked(e)
			wasRegistered = true
			id = e.identity
			if e.identity.Role.Supervisory() {
				rosterChanged = true
			}
		}
		e.state = StateClosed
		delete(r.entries, conn)
	}
	r.mu.Unlock()

	// No else needed: nothing to report for connections that never registered
	if wasRegistered {
		metrics.RegisteredConnections.WithLabelValues(string(id.Role)).Dec()
		r.logger.Info("Connection unregistered",
			"username", id.Username,
			"role", id.Role)
	}

	if rosterChanged {
		r.notifyRosterChange()
	}
}

// removeLocked drops an entry from the username index and the insertion
// order. Caller must hold the write lock.
func (r *Registry) removeLocked(e *entry) {
	if cur, ok := r.byUsername[e.identity.Username]; ok && cur == e {
		delete(r.byUsername, e.identity.Username)
	}
	for i, o := range r.order {
		if o == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// notifyRosterChange invokes the presence callback. Always called outside the
// registry lock so the subscriber can read the registry freely.
func (r *Registry) notifyRosterChange() {
	if r.onRosterChange != nil {
		r.onRosterChange()
	}
}

// LookupByUsername returns the live connection currently registered under the
// username, or false if there is none.
func (r *Registry) LookupByUsername(username string) (*websocket.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byUsername[username]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Identity returns the identity a connection registered under
func (r *Registry) Identity(conn *websocket.Connection) (event.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[conn]
	if !ok || e.state != StateRegistered {
		return event.Identity{}, false
	}
	return e.identity, true
}

// StateOf returns the lifecycle state of a connection. Connections the
// registry has forgotten (or never seen) report Closed, the terminal state.
func (r *Registry) StateOf(conn *websocket.Connection) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[conn]; ok {
		return e.state
	}
	return StateClosed
}

// ByRole produces a sequence of currently registered connections whose role
// matches the predicate, in insertion order (oldest registration first). The
// snapshot is taken under the lock at call time, so iteration observes a
// consistent registry state.
func (r *Registry) ByRole(pred func(event.Role) bool) iter.Seq[*websocket.Connection] {
	r.mu.RLock()
	snapshot := make([]*websocket.Connection, 0, len(r.order))
	for _, e := range r.order {
		if pred(e.identity.Role) {
			snapshot = append(snapshot, e.conn)
		}
	}
	r.mu.RUnlock()

	return func(yield func(*websocket.Connection) bool) {
		for _, c := range snapshot {
			if !yield(c) {
				return
			}
		}
	}
}

// All produces a sequence of every registered connection in insertion order
func (r *Registry) All() iter.Seq[*websocket.Connection] {
	return r.ByRole(func(event.Role) bool { return true })
}

// Supervisors produces a sequence of registered supervisory connections
func (r *Registry) Supervisors() iter.Seq[*websocket.Connection] {
	return r.ByRole(event.Role.Supervisory)
}

// Roster returns the usernames of currently registered supervisory
// connections in insertion order. Derived, never stored.
func (r *Registry) Roster() []event.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]event.RosterEntry, 0, len(r.order))
	for _, e := range r.order {
		if e.identity.Role.Supervisory() {
			roster = append(roster, event.RosterEntry{Username: e.identity.Username})
		}
	}
	return roster
}

// Len returns the number of currently registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
