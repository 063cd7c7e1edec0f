// Package session implements the connection lifecycle controller. It owns the
// Connecting -> Registered -> Closed progression of each WebSocket connection
// and the per-conversation chat log state, and dispatches validated events to
// the message router.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/real-rm/agentchat/internal/errors"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/registry"
	"github.com/real-rm/agentchat/internal/router"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/agentchat/internal/websocket"
	"github.com/real-rm/golog"
)

// LogStore persists conversation transcripts (to avoid circular dependency
// and enable testing)
type LogStore interface {
	StartLog(username string) (string, error)
	AppendLog(logID, text string) error
	CloseLog(logID, fullText string, endTime time.Time) error
}

// conversation tracks the chat log state of one registered connection
type conversation struct {
	mu    sync.Mutex
	logID string
	lines []string
}

// appendLine records a transcript line, returning the log ID it belongs to.
// An empty log ID means persistence is not active for this conversation.
func (c *conversation) appendLine(line string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return c.logID
}

// close returns the log ID and accumulated transcript, and ends the
// conversation so later lines open a fresh log.
func (c *conversation) close() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logID := c.logID
	fullText := strings.Join(c.lines, "\n")
	c.logID = ""
	c.lines = nil
	return logID, fullText
}

// Controller implements the WebSocket event handler. Every inbound event
// passes through here after protocol decoding; the controller enforces the
// lifecycle state machine before any routing happens.
type Controller struct {
	registry *registry.Registry
	router   *router.Router
	logs     LogStore // nil disables transcript persistence
	logger   *golog.Logger

	mu    sync.Mutex
	convs map[*websocket.Connection]*conversation
}

// NewController creates a lifecycle controller. logs may be nil, in which
// case chat transcripts are not persisted.
func NewController(reg *registry.Registry, rt *router.Router, logs LogStore, logger *golog.Logger) *Controller {
	return &Controller{
		registry: reg,
		router:   rt,
		logs:     logs,
		logger:   logger.WithGroup("session"),
		convs:    make(map[*websocket.Connection]*conversation),
	}
}

// HandleConnect places a freshly accepted connection in the Connecting state.
// Nothing routes to or from it until a register event arrives.
func (c *Controller) HandleConnect(conn *websocket.Connection) {
	c.registry.Track(conn)
}

// HandleEvent dispatches one decoded event according to the lifecycle state
// machine. Events other than register are rejected until registration.
func (c *Controller) HandleEvent(conn *websocket.Connection, ev event.Event) error {
	switch e := ev.(type) {
	case *event.Register:
		return c.handleRegister(conn, e)
	case *event.Chat:
		return c.handleChat(conn, e)
	case *event.ChatClosed:
		return c.handleChatClosed(conn, e)
	default:
		return chaterrors.ErrMalformedEvent(
			fmt.Sprintf("unexpected event type %q", ev.EventType()), nil)
	}
}

// handleRegister binds the connection to its claimed identity. When the
// connection was authenticated, the claimed username must match the token
// subject. Registering a username already held by another connection evicts
// the older connection.
func (c *Controller) handleRegister(conn *websocket.Connection, ev *event.Register) error {
	// No else needed: early return pattern (guard clause)
	if conn.AuthUsername != "" && conn.AuthUsername != ev.Username {
		return chaterrors.NewAuthError(
			chaterrors.ErrCodeInsufficientPerms,
			"Claimed username does not match authenticated identity",
			nil,
		)
	}

	err := c.registry.Register(conn, ev.Identity())
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chaterrors.ErrInvalidIdentity(err.Error(), err)
	}

	logID := ev.LogID
	// No else needed: optional operation (open a log only when none is resumed)
	if logID == "" && c.logs != nil {
		logID, err = c.logs.StartLog(ev.Username)
		// No else needed: error handling (persistence failure never fails registration)
		if err != nil {
			util.LogError(c.logger, "session", "start chat log", err,
				"username", ev.Username)
			logID = ""
		}
	}

	c.mu.Lock()
	c.convs[conn] = &conversation{logID: logID}
	c.mu.Unlock()

	c.logger.Info("Connection registered",
		"connection_id", conn.ConnectionID,
		"username", ev.Username,
		"role", string(ev.UserType),
		"log_id", logID)

	return nil
}

// handleChat routes a chat from a registered sender. The from field is
// overwritten with the registered identity so a client cannot speak as
// someone else.
func (c *Controller) handleChat(conn *websocket.Connection, ev *event.Chat) error {
	id, ok := c.requireRegistered(conn)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return chaterrors.ErrNotRegistered()
	}

	ev.From = id.Username
	ev.FromType = id.Role

	c.recordLine(conn, fmt.Sprintf("%s: %s", ev.From, ev.Text))

	return c.router.RouteChat(ev)
}

// handleChatClosed ends the business conversation: supervisors are notified
// and the chat log is closed. The transport connection stays open and the
// identity stays registered.
func (c *Controller) handleChatClosed(conn *websocket.Connection, ev *event.ChatClosed) error {
	id, ok := c.requireRegistered(conn)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return chaterrors.ErrNotRegistered()
	}

	// Agents always close their own conversation. A supervisory sender may
	// name the agent whose conversation ended, falling back to itself.
	// No else needed: optional operation (supervisors keep an explicit name)
	if !id.Role.Supervisory() || ev.AgentUsername == "" {
		ev.AgentUsername = id.Username
	}

	err := c.router.RouteChatClosed(ev)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	c.closeLog(conn, ev.LogID)

	return nil
}

// HandleDisconnect removes a closed connection from the registry. A transport
// close is not a chatClosed: the chat log stays open so a reconnecting agent
// can resume it by log ID.
func (c *Controller) HandleDisconnect(conn *websocket.Connection) {
	c.registry.Unregister(conn)

	c.mu.Lock()
	delete(c.convs, conn)
	c.mu.Unlock()
}

// requireRegistered returns the registered identity of a connection, or
// ok=false when the connection is still connecting or already closed.
func (c *Controller) requireRegistered(conn *websocket.Connection) (event.Identity, bool) {
	// No else needed: early return pattern (guard clause)
	if c.registry.StateOf(conn) != registry.StateRegistered {
		return event.Identity{}, false
	}

	return c.registry.Identity(conn)
}

// recordLine appends a transcript line to the connection's conversation and
// persists it fire-and-forget. Log failures never block delivery.
func (c *Controller) recordLine(conn *websocket.Connection, line string) {
	// No else needed: early return pattern (guard clause)
	if c.logs == nil {
		return
	}

	c.mu.Lock()
	conv := c.convs[conn]
	c.mu.Unlock()
	// No else needed: early return pattern (guard clause)
	if conv == nil {
		return
	}

	logID := conv.appendLine(line)
	// No else needed: early return pattern (guard clause)
	if logID == "" {
		return
	}

	util.SafeGo(c.logger, "session", func() {
		// No else needed: error handling (already logged and counted downstream)
		if err := c.logs.AppendLog(logID, line); err != nil {
			util.LogError(c.logger, "session", "append chat log", err,
				"log_id", logID)
		}
	})
}

// closeLog closes the connection's conversation log fire-and-forget. The
// explicit log ID from the chatClosed event wins over the tracked one, which
// lets a supervisor close an agent's log on their behalf.
func (c *Controller) closeLog(conn *websocket.Connection, explicitLogID string) {
	// No else needed: early return pattern (guard clause)
	if c.logs == nil {
		return
	}

	c.mu.Lock()
	conv := c.convs[conn]
	c.mu.Unlock()

	logID := explicitLogID
	fullText := ""
	// No else needed: optional operation (fall back to the tracked conversation)
	if conv != nil {
		trackedID, trackedText := conv.close()
		if logID == "" {
			logID = trackedID
		}
		fullText = trackedText
	}

	// No else needed: early return pattern (guard clause)
	if logID == "" {
		return
	}

	endTime := time.Now().UTC()
	util.SafeGo(c.logger, "session", func() {
		// No else needed: error handling (closing twice is not fatal)
		if err := c.logs.CloseLog(logID, fullText, endTime); err != nil {
			util.LogError(c.logger, "session", "close chat log", err,
				"log_id", logID)
		}
	})
}
