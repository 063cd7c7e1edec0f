package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/real-rm/agentchat/internal/errors"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/registry"
	"github.com/real-rm/agentchat/internal/router"
	"github.com/real-rm/agentchat/internal/testutil"
	"github.com/real-rm/agentchat/internal/websocket"
)

const receiveTimeout = 500 * time.Millisecond

type fixture struct {
	controller *Controller
	registry   *registry.Registry
	logs       *testutil.MockLogStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.CreateTestLogger(t)
	reg := registry.New(logger)
	rt := router.New(reg, logger)
	logs := testutil.NewMockLogStore()
	return &fixture{
		controller: NewController(reg, rt, logs, logger),
		registry:   reg,
		logs:       logs,
	}
}

func (f *fixture) connect(t *testing.T, username string, role event.Role) *websocket.Connection {
	t.Helper()
	conn := testutil.MockConnection(username, role)
	// Test connections carry no JWT identity unless a test sets one
	conn.AuthUsername = ""
	f.controller.HandleConnect(conn)
	return conn
}

func (f *fixture) register(t *testing.T, conn *websocket.Connection, username string, role event.Role) {
	t.Helper()
	err := f.controller.HandleEvent(conn, &event.Register{Username: username, UserType: role})
	require.NoError(t, err)
}

// waitForLines polls the mock store until the expected number of lines
// arrived; appends are fire-and-forget goroutines.
func waitForLines(t *testing.T, logs *testutil.MockLogStore, logID string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(receiveTimeout)
	for time.Now().Before(deadline) {
		lines := logs.Lines(logID)
		if len(lines) >= want {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d lines on log %s, have %v", want, logID, logs.Lines(logID))
	return nil
}

func TestChatBeforeRegisterRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", event.RoleAgent)

	err := f.controller.HandleEvent(conn, &event.Chat{From: "alice", To: "tl-1", Text: "hello"})
	require.Error(t, err)

	var chatErr *chaterrors.ChatError
	require.True(t, errors.As(err, &chatErr))
	assert.Equal(t, chaterrors.ErrCodeNotRegistered, chatErr.Code)
}

func TestChatClosedBeforeRegisterRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", event.RoleAgent)

	err := f.controller.HandleEvent(conn, &event.ChatClosed{AgentUsername: "alice"})
	require.Error(t, err)

	var chatErr *chaterrors.ChatError
	require.True(t, errors.As(err, &chatErr))
	assert.Equal(t, chaterrors.ErrCodeNotRegistered, chatErr.Code)
}

func TestRegisterOpensLog(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", event.RoleAgent)
	f.register(t, conn, "alice", event.RoleAgent)

	assert.True(t, f.logs.StartLogCalled)
	assert.Equal(t, []string{"alice"}, f.logs.StartedLogs)
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(conn))
}

func TestRegisterWithExistingLogResumes(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", event.RoleAgent)

	err := f.controller.HandleEvent(conn, &event.Register{Username: "alice", UserType: event.RoleAgent, LogID: "log-resume"})
	require.NoError(t, err)

	// Resuming by log ID must not open a fresh log
	assert.False(t, f.logs.StartLogCalled)

	err = f.controller.HandleEvent(conn, &event.Chat{From: "alice", To: "nobody", Text: "back again"})
	require.NoError(t, err)
	lines := waitForLines(t, f.logs, "log-resume", 1)
	assert.Equal(t, []string{"alice: back again"}, lines)
}

func TestRegisterLogFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.logs.StartLogError = errors.New("mongo down")

	conn := f.connect(t, "alice", event.RoleAgent)
	f.register(t, conn, "alice", event.RoleAgent)

	// Registration survives; chats route but are not persisted
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(conn))
	err := f.controller.HandleEvent(conn, &event.Chat{From: "alice", To: "nobody", Text: "hi"})
	require.NoError(t, err)
}

func TestRegisterInvalidIdentity(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", event.RoleAgent)

	err := f.controller.HandleEvent(conn, &event.Register{Username: "alice", UserType: "Wizard"})
	require.Error(t, err)

	var chatErr *chaterrors.ChatError
	require.True(t, errors.As(err, &chatErr))
	assert.Equal(t, chaterrors.ErrCodeInvalidIdentity, chatErr.Code)
	assert.Equal(t, registry.StateConnecting, f.registry.StateOf(conn))
}

func TestRegisterAuthMismatchRejected(t *testing.T) {
	f := newFixture(t)
	conn := testutil.MockConnection("alice", event.RoleAgent)
	// MockConnection sets AuthUsername; claiming another name must fail
	f.controller.HandleConnect(conn)

	err := f.controller.HandleEvent(conn, &event.Register{Username: "mallory", UserType: event.RoleAgent})
	require.Error(t, err)

	var chatErr *chaterrors.ChatError
	require.True(t, errors.As(err, &chatErr))
	assert.Equal(t, chaterrors.ErrCodeInsufficientPerms, chatErr.Code)
}

func TestChatOverwritesSenderIdentity(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(alice)

	// The client lies about its identity; the registered one wins
	err := f.controller.HandleEvent(alice, &event.Chat{From: "mallory", To: "tl-1", Text: "trust me", FromType: event.RoleSuperAdmin})
	require.NoError(t, err)

	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "alice", frame["from"])
	assert.Equal(t, "Agent", frame["fromType"])
}

func TestChatClosedKeepsConnectionRegistered(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(alice)

	err := f.controller.HandleEvent(alice, &event.ChatClosed{AgentUsername: "alice", LogID: "log-1"})
	require.NoError(t, err)

	// The business conversation ended; the transport session did not
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(alice))

	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "chatClosed", frame["type"])
	assert.Equal(t, "alice", frame["agentUsername"])

	// A new chat after closure still routes
	err = f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "tl-1", Text: "one more thing"})
	require.NoError(t, err)
	frame = testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "one more thing", frame["text"])
}

func TestChatClosedAgentSenderNamesItself(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	testutil.DrainFrames(tl)

	// An agent cannot close on behalf of someone else
	err := f.controller.HandleEvent(alice, &event.ChatClosed{AgentUsername: "mallory"})
	require.NoError(t, err)

	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "alice", frame["agentUsername"])
}

func TestChatClosedSupervisorClosesOnBehalf(t *testing.T) {
	f := newFixture(t)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	sa := f.connect(t, "sa-1", event.RoleSuperAdmin)
	f.register(t, sa, "sa-1", event.RoleSuperAdmin)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(sa)

	// A team leader ends an agent's conversation; the notice names the agent
	err := f.controller.HandleEvent(tl, &event.ChatClosed{AgentUsername: "alice", LogID: "log-9"})
	require.NoError(t, err)

	frame := testutil.ReceiveJSON(t, sa, receiveTimeout)
	assert.Equal(t, "chatClosed", frame["type"])
	assert.Equal(t, "alice", frame["agentUsername"])

	// Without an explicit agent the supervisor names itself
	testutil.DrainFrames(sa)
	err = f.controller.HandleEvent(tl, &event.ChatClosed{})
	require.NoError(t, err)
	frame = testutil.ReceiveJSON(t, sa, receiveTimeout)
	assert.Equal(t, "tl-1", frame["agentUsername"])
}

func TestChatClosedClosesLogWithTranscript(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)

	require.NoError(t, f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "nobody", Text: "first"}))
	require.NoError(t, f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "nobody", Text: "second"}))
	waitForLines(t, f.logs, "log-1", 2)

	require.NoError(t, f.controller.HandleEvent(alice, &event.ChatClosed{AgentUsername: "alice"}))

	deadline := time.Now().Add(receiveTimeout)
	for time.Now().Before(deadline) {
		if _, ok := f.logs.Closed("log-1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fullText, ok := f.logs.Closed("log-1")
	require.True(t, ok, "log must be closed")
	assert.Equal(t, "alice: first\nalice: second", fullText)
}

func TestAppendLogFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t)
	f.logs.AppendLogError = errors.New("mongo write failed")

	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(alice)

	err := f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "tl-1", Text: "still here?"})
	require.NoError(t, err)

	// Persistence failed but the recipient got the chat anyway
	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "still here?", frame["text"])
}

func TestCloseLogFailureDoesNotBlockChatClosed(t *testing.T) {
	f := newFixture(t)
	f.logs.CloseLogError = errors.New("mongo update failed")

	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(alice)

	err := f.controller.HandleEvent(alice, &event.ChatClosed{AgentUsername: "alice"})
	require.NoError(t, err)

	// Supervisors hear about the closure even when the log store is down
	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "chatClosed", frame["type"])
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(alice))
}

func TestTransportCloseDoesNotCloseLog(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)

	require.NoError(t, f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "nobody", Text: "still open"}))
	waitForLines(t, f.logs, "log-1", 1)

	// A dropped socket is not a chatClosed: the log stays open for resumption
	f.controller.HandleDisconnect(alice)

	assert.Equal(t, registry.StateClosed, f.registry.StateOf(alice))
	_, closed := f.logs.Closed("log-1")
	assert.False(t, closed)
}

func TestDisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)

	f.controller.HandleDisconnect(alice)

	_, ok := f.registry.LookupByUsername("alice")
	assert.False(t, ok)

	// Events after disconnect are rejected
	err := f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "tl-1", Text: "ghost"})
	assert.Error(t, err)
}

func TestNilLogStoreDisablesPersistence(t *testing.T) {
	logger := testutil.CreateTestLogger(t)
	reg := registry.New(logger)
	rt := router.New(reg, logger)
	controller := NewController(reg, rt, nil, logger)

	conn := testutil.MockConnection("alice", event.RoleAgent)
	conn.AuthUsername = ""
	controller.HandleConnect(conn)
	require.NoError(t, controller.HandleEvent(conn, &event.Register{Username: "alice", UserType: event.RoleAgent}))
	require.NoError(t, controller.HandleEvent(conn, &event.Chat{From: "alice", To: "nobody", Text: "hello"}))
	require.NoError(t, controller.HandleEvent(conn, &event.ChatClosed{AgentUsername: "alice"}))
}

// An agent asks for help, a team leader answers, the agent closes the chat.
func TestAgentSupervisorConversationFlow(t *testing.T) {
	f := newFixture(t)

	tl := f.connect(t, "tl-1", event.RoleTeamLeader)
	f.register(t, tl, "tl-1", event.RoleTeamLeader)
	alice := f.connect(t, "alice", event.RoleAgent)
	f.register(t, alice, "alice", event.RoleAgent)
	testutil.DrainFrames(tl)
	testutil.DrainFrames(alice)

	// Agent broadcasts for help; only the team leader hears it
	require.NoError(t, f.controller.HandleEvent(alice, &event.Chat{From: "alice", To: "all", Text: "need help with a refund"}))
	frame := testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "need help with a refund", frame["text"])

	// Team leader replies directly
	require.NoError(t, f.controller.HandleEvent(tl, &event.Chat{From: "tl-1", To: "alice", Text: "approve it"}))
	frame = testutil.ReceiveJSON(t, alice, receiveTimeout)
	assert.Equal(t, "approve it", frame["text"])
	assert.Equal(t, "TeamLeader", frame["fromType"])

	// Agent closes the conversation; the team leader is notified
	require.NoError(t, f.controller.HandleEvent(alice, &event.ChatClosed{AgentUsername: "alice"}))
	frame = testutil.ReceiveJSON(t, tl, receiveTimeout)
	assert.Equal(t, "chatClosed", frame["type"])

	// Both stay online for the next conversation
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(alice))
	assert.Equal(t, registry.StateRegistered, f.registry.StateOf(tl))
}
