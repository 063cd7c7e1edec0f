// Package websocket provides WebSocket connection handling for the chat and
// presence layer. It implements the HTTP upgrade, per-connection read/write
// pumps, and boundary decoding of the wire protocol.
package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/agentchat/internal/auth"
	chaterrors "github.com/real-rm/agentchat/internal/errors"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/ratelimit"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/golog"
)

var (
	// upgrader configures the WebSocket upgrade
	// SECURITY: In production, this service MUST be deployed behind a reverse
	// proxy that terminates TLS, so all connections use WSS.
	// The CheckOrigin function is configured per-handler instance.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// Connection represents an active WebSocket connection. Identity and lifecycle
// state live in the registry, not here; the connection only knows what the
// transport knows.
type Connection struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// ConnectionID is a unique identifier for this connection
	ConnectionID string

	// AuthUsername and AuthRole are the authenticated identity from JWT.
	// Empty when the server runs without a configured secret (development
	// mode); the register frame is then the only identity source.
	AuthUsername string
	AuthRole     event.Role

	// limiterKey identifies this client to the rate limiters: the
	// authenticated username when available, the remote address otherwise.
	limiterKey string

	// send is a buffered channel for outbound frames
	send chan []byte

	// closing indicates the connection is being torn down.
	// Set before closing the send channel to prevent send-on-closed-channel
	// panics.
	closing atomic.Bool

	// mu protects concurrent access to the underlying socket
	mu sync.RWMutex
}

// NewConnection creates a connection without an underlying socket.
// This is primarily used in tests to observe deliveries via ReceiveForTest.
func NewConnection(username string, role event.Role) *Connection {
	return &Connection{
		ConnectionID: fmt.Sprintf("test-%s-%d", username, time.Now().UnixNano()),
		AuthUsername: username,
		AuthRole:     role,
		limiterKey:   username,
		send:         make(chan []byte, 256),
	}
}

// Close closes the underlying socket and cleans up resources
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetClosing marks the connection as closing.
// After this call, SafeSend will return false.
func (c *Connection) SetClosing() {
	c.closing.Store(true)
}

// SafeSend attempts to enqueue a frame on the connection's send channel.
// Returns false if the connection is closing or the channel is full. Delivery
// is fire-and-forget: a slow recipient is skipped, never waited on.
func (c *Connection) SafeSend(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReceiveForTest returns the send channel as a receive channel so tests can
// assert on delivered frames.
func (c *Connection) ReceiveForTest() <-chan []byte {
	return c.send
}

// SendEvent encodes an event and enqueues it on the connection.
// Returns false if encoding fails or the connection cannot accept the frame.
func (c *Connection) SendEvent(ev event.Event) bool {
	data, err := event.Encode(ev)
	if err != nil {
		return false
	}
	return c.SafeSend(data)
}

// EventHandler processes decoded events and transport lifecycle changes.
// Implemented by the session lifecycle controller.
type EventHandler interface {
	// HandleConnect is called once when the transport opens, before any
	// frames are read
	HandleConnect(conn *Connection)
	// HandleEvent processes one decoded inbound event
	HandleEvent(conn *Connection, ev event.Event) error
	// HandleDisconnect is called synchronously when the transport closes,
	// before any further routing decisions are made
	HandleDisconnect(conn *Connection)
}

// Handler manages WebSocket upgrades and live connections
type Handler struct {
	validator      *auth.JWTValidator // nil when authentication is disabled
	handler        EventHandler
	logger         *golog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	eventLimiter   *ratelimit.EventLimiter
	allowedOrigins map[string]bool
	maxEventSize   int64

	// connections tracks live connections by connection ID for shutdown
	connections map[string]*Connection
	mu          sync.RWMutex
}

// NewHandler creates a new WebSocket handler.
// validator may be nil, in which case connections are accepted without a token
// (development mode).
func NewHandler(validator *auth.JWTValidator, handler EventHandler, eventLimiter *ratelimit.EventLimiter, logger *golog.Logger, maxEventSize int64, maxConnsPerUser int) *Handler {
	return &Handler{
		validator:      validator,
		handler:        handler,
		logger:         logger.WithGroup("websocket"),
		connLimiter:    ratelimit.NewConnectionLimiter(maxConnsPerUser),
		eventLimiter:   eventLimiter,
		allowedOrigins: make(map[string]bool),
		maxEventSize:   maxEventSize,
		connections:    make(map[string]*Connection),
	}
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections.
// If no origins are set, all origins are allowed (development mode).
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	// If no origins configured, allow all (development mode)
	if len(h.allowedOrigins) == 0 {
		return true
	}

	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed",
		"origin", origin)
	return false
}

// HandleWebSocket handles HTTP to WebSocket upgrade requests.
// When a JWT validator is configured, the token is required and its claims
// become the connection's authenticated identity; the register frame must then
// match. Without a validator the register frame is fully trusted.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims

	// No else needed: authentication only enforced when a validator is configured
	if h.validator != nil {
		var token string
		authHeader := r.Header.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		// No else needed: early return pattern (guard clause)
		if token == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		var err error
		claims, err = h.validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			h.logger.Warn("JWT validation failed",
				"error", err,
				"component", "websocket")
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}
	}

	limiterKey := r.RemoteAddr
	if claims != nil {
		limiterKey = claims.Username
	}

	// Check connection rate limit
	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Allow(limiterKey) {
		h.logger.Warn("Connection limit exceeded",
			"key", limiterKey,
			"component", "websocket")
		chatErr := chaterrors.ErrConnectionLimitExceeded()
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	// Upgrade HTTP connection to WebSocket
	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	conn, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.connLimiter.Release(limiterKey)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}

	// Set read limit to prevent memory exhaustion from oversized frames
	conn.SetReadLimit(h.maxEventSize)

	connection := h.createConnection(conn, claims, limiterKey)
	h.trackConnection(connection)
	h.handler.HandleConnect(connection)

	h.logger.Info("WebSocket connection established",
		"connection_id", connection.ConnectionID,
		"component", "websocket")

	// Start read and write pumps in goroutines with panic recovery
	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// createConnection creates a new Connection with any authenticated identity
func (h *Handler) createConnection(conn *websocket.Conn, claims *auth.Claims, limiterKey string) *Connection {
	// Connection ID format: nanosecondTimestamp-randomHex, unique even for
	// rapid connections from the same client.
	randomBytes := make([]byte, 8)
	suffix := ""
	// No else needed: fallback logic for rare error case
	if _, err := rand.Read(randomBytes); err == nil {
		suffix = "-" + hex.EncodeToString(randomBytes)
	}
	connectionID := fmt.Sprintf("%d%s", time.Now().UnixNano(), suffix)

	c := &Connection{
		conn:         conn,
		ConnectionID: connectionID,
		limiterKey:   limiterKey,
		send:         make(chan []byte, 256),
	}
	if claims != nil {
		c.AuthUsername = claims.Username
		c.AuthRole = claims.Role
	}
	return c
}

// trackConnection adds a connection to the live connections map
func (h *Handler) trackConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn.ConnectionID] = conn
	metrics.WebSocketConnections.Inc()
}

// untrackConnection removes a connection from the live connections map
func (h *Handler) untrackConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ConnectionID]; exists {
		delete(h.connections, conn.ConnectionID)
		conn.closing.Store(true)
		close(conn.send)
		h.connLimiter.Release(conn.limiterKey)
		metrics.WebSocketConnections.Dec()
	}
}

// sendErrorEvent sends a structured error frame to the client.
// Uses a select/default guard to avoid blocking if the channel is full.
func (c *Connection) sendErrorEvent(chatErr *chaterrors.ChatError) {
	c.SendEvent(&event.ErrorEvent{Error: chatErr.ToErrorInfo()})
}

// readPump reads frames from the WebSocket connection, decodes them at the
// protocol boundary, and hands valid events to the lifecycle controller.
// Malformed frames are dropped with an error frame back to the peer; they
// never tear the connection down.
func (c *Connection) readPump(h *Handler) {
	defer func() {
		h.logger.Info("WebSocket connection closed",
			"connection_id", c.ConnectionID,
			"component", "websocket")

		// Synchronous: the registry must forget this connection before any
		// further routing decisions are made.
		h.handler.HandleDisconnect(c)

		h.untrackConnection(c)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, rawFrame, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			// No else needed: specific error handling (logs and continues to break)
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn("WebSocket frame size limit exceeded",
					"connection_id", c.ConnectionID,
					"limit", h.maxEventSize,
					"component", "websocket")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogError(h.logger, "websocket", "handle unexpected close", err,
					"connection_id", c.ConnectionID)
			}
			break
		}

		// Decode and validate at the boundary; nothing partially trusted
		// reaches the router.
		ev, err := event.Decode(rawFrame, time.Now())
		// No else needed: error handling with continue (skips to next iteration)
		if err != nil {
			h.logger.Warn("Dropping malformed frame",
				"connection_id", c.ConnectionID,
				"error", err)

			metrics.MalformedEvents.Inc()
			c.sendErrorEvent(chaterrors.ErrMalformedEvent(err.Error(), err))
			continue
		}

		metrics.EventsReceived.WithLabelValues(string(ev.EventType())).Inc()

		// Rate limit inbound events per client
		// No else needed: error handling with continue (skips to next iteration)
		if h.eventLimiter != nil && !h.eventLimiter.Allow(c.limiterKey) {
			h.logger.Warn("Event rate limit exceeded",
				"connection_id", c.ConnectionID,
				"key", c.limiterKey)
			c.sendErrorEvent(chaterrors.ErrTooManyRequests())
			continue
		}

		// No else needed: error handling (logs and sends error frame)
		if err := h.handler.HandleEvent(c, ev); err != nil {
			util.LogError(h.logger, "websocket", "handle event", err,
				"connection_id", c.ConnectionID,
				"event_type", ev.EventType())

			metrics.EventErrors.Inc()

			var chatErr *chaterrors.ChatError
			if errors.As(err, &chatErr) {
				c.sendErrorEvent(chatErr)
				// No else needed: fatal errors end the read loop (and the connection)
				if chatErr.IsFatal() {
					break
				}
			} else {
				c.sendErrorEvent(chaterrors.NewServiceError(
					chaterrors.ErrCodeServiceError,
					"Failed to process event",
					err,
				))
			}
		}
	}
}

// writePump writes frames to the WebSocket connection, sending periodic pings
// for heartbeat and draining the send channel in FIFO order. FIFO draining is
// what preserves per-sender ordering to each recipient.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// No else needed: error handling with return (exits function)
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			// No else needed: error handling with return (exits function)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown gracefully closes all active WebSocket connections.
// Deprecated: Use ShutdownWithContext instead
func (h *Handler) Shutdown() {
	h.ShutdownWithContext(context.Background())
}

// ShutdownWithContext gracefully closes all active WebSocket connections.
// It respects the context deadline and forces closure when exceeded.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Info("Shutting down WebSocket handler, closing all connections")

	h.mu.Lock()
	connections := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			c.mu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
			}
			c.mu.Unlock()

			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(connections))
		return ctx.Err()
	}
}
