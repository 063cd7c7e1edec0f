package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/testutil"
	"github.com/real-rm/agentchat/internal/websocket"
)

func agentIdentity(username string) event.Identity {
	return event.Identity{Username: username, Role: event.RoleAgent}
}

func supervisorIdentity(username string, role event.Role) event.Identity {
	return event.Identity{Username: username, Role: role}
}

func collect(seq func(func(*websocket.Connection) bool)) []*websocket.Connection {
	var conns []*websocket.Connection
	seq(func(c *websocket.Connection) bool {
		conns = append(conns, c)
		return true
	})
	return conns
}

func TestTrackAndStateProgression(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)

	// Unknown connections report the terminal state
	assert.Equal(t, StateClosed, reg.StateOf(conn))

	reg.Track(conn)
	assert.Equal(t, StateConnecting, reg.StateOf(conn))

	require.NoError(t, reg.Register(conn, agentIdentity("alice")))
	assert.Equal(t, StateRegistered, reg.StateOf(conn))

	reg.Unregister(conn)
	assert.Equal(t, StateClosed, reg.StateOf(conn))
}

func TestTrackIsIdempotent(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)

	reg.Track(conn)
	require.NoError(t, reg.Register(conn, agentIdentity("alice")))

	// A second Track must not reset a registered connection
	reg.Track(conn)
	assert.Equal(t, StateRegistered, reg.StateOf(conn))
}

func TestRegisterValidation(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(conn)

	tests := []struct {
		name string
		id   event.Identity
	}{
		{name: "empty username", id: event.Identity{Role: event.RoleAgent}},
		{name: "unknown role", id: event.Identity{Username: "alice", Role: "Wizard"}},
		{name: "empty role", id: event.Identity{Username: "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(conn, tt.id)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
			// A failed registration leaves the connection unregistered
			assert.Equal(t, StateConnecting, reg.StateOf(conn))
		})
	}

	assert.ErrorIs(t, reg.Register(nil, agentIdentity("alice")), ErrNilConnection)
}

func TestLookupByUsername(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(conn)
	require.NoError(t, reg.Register(conn, agentIdentity("alice")))

	got, ok := reg.LookupByUsername("alice")
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = reg.LookupByUsername("bob")
	assert.False(t, ok)

	reg.Unregister(conn)
	_, ok = reg.LookupByUsername("alice")
	assert.False(t, ok)
}

func TestIdentity(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("tl-1", event.RoleTeamLeader)

	_, ok := reg.Identity(conn)
	assert.False(t, ok)

	reg.Track(conn)
	_, ok = reg.Identity(conn)
	assert.False(t, ok, "connecting connections have no identity yet")

	require.NoError(t, reg.Register(conn, supervisorIdentity("tl-1", event.RoleTeamLeader)))
	id, ok := reg.Identity(conn)
	require.True(t, ok)
	assert.Equal(t, "tl-1", id.Username)
	assert.Equal(t, event.RoleTeamLeader, id.Role)
}

func TestEvictionOnReconnect(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))

	old := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(old)
	require.NoError(t, reg.Register(old, agentIdentity("alice")))

	// Same username registers on a fresh connection: the old one is evicted
	fresh := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(fresh)
	require.NoError(t, reg.Register(fresh, agentIdentity("alice")))

	got, ok := reg.LookupByUsername("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Equal(t, StateClosed, reg.StateOf(old))
	assert.Equal(t, 1, reg.Len())

	// The evicted connection no longer accepts frames
	assert.False(t, old.SafeSend([]byte("late frame")))

	// The pending disconnect of the evicted socket must not disturb the
	// fresh registration.
	reg.Unregister(old)
	got, ok = reg.LookupByUsername("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestReRegisterSameConnection(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(conn)
	require.NoError(t, reg.Register(conn, agentIdentity("alice")))

	// The same socket re-registers under a different identity
	require.NoError(t, reg.Register(conn, supervisorIdentity("tl-9", event.RoleTeamLeader)))

	_, ok := reg.LookupByUsername("alice")
	assert.False(t, ok, "old username index must be dropped")

	got, ok := reg.LookupByUsername("tl-9")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, reg.Len())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	conn := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(conn)
	require.NoError(t, reg.Register(conn, agentIdentity("alice")))

	reg.Unregister(conn)
	reg.Unregister(conn)
	reg.Unregister(testutil.MockConnection("ghost", event.RoleAgent))
	reg.Unregister(nil)

	assert.Equal(t, 0, reg.Len())
}

func TestByRoleInsertionOrder(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))

	var agents []*websocket.Connection
	for i := 0; i < 5; i++ {
		conn := testutil.MockConnection(fmt.Sprintf("agent-%d", i), event.RoleAgent)
		reg.Track(conn)
		require.NoError(t, reg.Register(conn, agentIdentity(fmt.Sprintf("agent-%d", i))))
		agents = append(agents, conn)
	}

	tl := testutil.MockConnection("tl-1", event.RoleTeamLeader)
	reg.Track(tl)
	require.NoError(t, reg.Register(tl, supervisorIdentity("tl-1", event.RoleTeamLeader)))

	got := collect(reg.ByRole(func(r event.Role) bool { return r == event.RoleAgent }))
	assert.Equal(t, agents, got, "agents must iterate in registration order")

	all := collect(reg.All())
	assert.Len(t, all, 6)
	assert.Same(t, tl, all[5])

	supervisors := collect(reg.Supervisors())
	require.Len(t, supervisors, 1)
	assert.Same(t, tl, supervisors[0])
}

func TestByRoleEarlyStop(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	for i := 0; i < 3; i++ {
		conn := testutil.MockConnection(fmt.Sprintf("agent-%d", i), event.RoleAgent)
		reg.Track(conn)
		require.NoError(t, reg.Register(conn, agentIdentity(fmt.Sprintf("agent-%d", i))))
	}

	seen := 0
	for range reg.All() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestRosterSupervisorsOnly(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))

	agent := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(agent)
	require.NoError(t, reg.Register(agent, agentIdentity("alice")))

	tl := testutil.MockConnection("tl-1", event.RoleTeamLeader)
	reg.Track(tl)
	require.NoError(t, reg.Register(tl, supervisorIdentity("tl-1", event.RoleTeamLeader)))

	sa := testutil.MockConnection("sa-1", event.RoleSuperAdmin)
	reg.Track(sa)
	require.NoError(t, reg.Register(sa, supervisorIdentity("sa-1", event.RoleSuperAdmin)))

	roster := reg.Roster()
	assert.Equal(t, []event.RosterEntry{{Username: "tl-1"}, {Username: "sa-1"}}, roster)

	reg.Unregister(tl)
	roster = reg.Roster()
	assert.Equal(t, []event.RosterEntry{{Username: "sa-1"}}, roster)
}

func TestOnRosterChangeNotifications(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))
	notifications := 0
	reg.OnRosterChange(func() { notifications++ })

	// Agents do not change the supervisor roster
	agent := testutil.MockConnection("alice", event.RoleAgent)
	reg.Track(agent)
	require.NoError(t, reg.Register(agent, agentIdentity("alice")))
	assert.Equal(t, 0, notifications)

	tl := testutil.MockConnection("tl-1", event.RoleTeamLeader)
	reg.Track(tl)
	require.NoError(t, reg.Register(tl, supervisorIdentity("tl-1", event.RoleTeamLeader)))
	assert.Equal(t, 1, notifications)

	reg.Unregister(tl)
	assert.Equal(t, 2, notifications)

	// Unregistering an agent leaves the roster untouched
	reg.Unregister(agent)
	assert.Equal(t, 2, notifications)
}

func TestRosterChangeOnSupervisorEviction(t *testing.T) {
	reg := New(testutil.CreateTestLogger(t))

	old := testutil.MockConnection("tl-1", event.RoleTeamLeader)
	reg.Track(old)
	require.NoError(t, reg.Register(old, supervisorIdentity("tl-1", event.RoleTeamLeader)))

	notifications := 0
	reg.OnRosterChange(func() { notifications++ })

	fresh := testutil.MockConnection("tl-1", event.RoleTeamLeader)
	reg.Track(fresh)
	require.NoError(t, reg.Register(fresh, supervisorIdentity("tl-1", event.RoleTeamLeader)))

	assert.GreaterOrEqual(t, notifications, 1)
	assert.Equal(t, []event.RosterEntry{{Username: "tl-1"}}, reg.Roster())
	assert.Equal(t, 1, reg.Len())
}
