// Package agentchat provides the main service registration for the call-center
// chat and presence layer. It integrates with gomain by implementing a Register
// function that sets up the WebSocket endpoint, the supervisor roster endpoint,
// the assistant escalation endpoint, and the operational endpoints.
package agentchat

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/agentchat/internal/assistant"
	"github.com/real-rm/agentchat/internal/auth"
	"github.com/real-rm/agentchat/internal/chatlog"
	"github.com/real-rm/agentchat/internal/constants"
	"github.com/real-rm/agentchat/internal/escalation"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/httperrors"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/presence"
	"github.com/real-rm/agentchat/internal/ratelimit"
	"github.com/real-rm/agentchat/internal/registry"
	"github.com/real-rm/agentchat/internal/router"
	"github.com/real-rm/agentchat/internal/session"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/agentchat/internal/websocket"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
)

var (
	// Global references for graceful shutdown
	globalWSHandler     *websocket.Handler
	globalEventLimiter  *ratelimit.EventLimiter
	globalPublicLimiter *ratelimit.EventLimiter
	globalLogger        *golog.Logger
	shutdownMu          sync.Mutex
)

// Register registers the agentchat service with the gomain router.
// This function is called by gomain during service initialization.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - config: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for chat log persistence (nil disables persistence)
//
// Returns:
//   - error: Any error that occurred during registration
func Register(r *gin.Engine, config *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	serviceLogger := logger.WithGroup("agentchat")
	serviceLogger.Info("Initializing agentchat service")

	// JWT secret is optional: without one the WebSocket endpoint trusts the
	// register frame (development mode). When a secret is configured it must
	// be strong, and register frames must match the token identity.
	// Priority: Environment variable > Config file
	jwtSecret := os.Getenv("AGENTCHAT_JWT_SECRET")
	if jwtSecret == "" {
		var err error
		jwtSecret, err = config.ConfigStringWithDefault("agentchat.jwt_secret", "")
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get JWT secret: %w", err)
		}
	}
	var validator *auth.JWTValidator
	// No else needed: optional operation (validator only when a secret is configured)
	if jwtSecret != "" {
		if containsPlaceholder(jwtSecret) {
			return fmt.Errorf("JWT secret contains placeholder value, set a real secret before deploying")
		}
		// No else needed: early return pattern (guard clause)
		if err := validateJWTSecret(jwtSecret); err != nil {
			serviceLogger.Error("Configuration validation failed", "error", err)
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		validator = auth.NewJWTValidator(jwtSecret)
	} else {
		serviceLogger.Warn("No JWT secret configured, register frames are trusted (development mode)")
	}

	// Load and validate HTTP path prefix early to fail fast on configuration errors.
	// Priority: Environment variable > Config file > Default ("/agentchat")
	pathPrefix := os.Getenv("AGENTCHAT_PATH_PREFIX")
	if pathPrefix == "" {
		var err error
		pathPrefix, err = config.ConfigStringWithDefault("agentchat.path_prefix", constants.DefaultPathPrefix)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get path prefix: %w", err)
		}
	}
	// No else needed: early return pattern (guard clause)
	if pathPrefix == "" {
		return fmt.Errorf("path prefix cannot be empty")
	}
	// No else needed: early return pattern (guard clause)
	if !strings.HasPrefix(pathPrefix, "/") {
		return fmt.Errorf("path prefix must start with '/' (got: %s)", pathPrefix)
	}

	// Load maximum event size for WebSocket frames
	maxEventSize := int64(constants.DefaultMaxEventSize)
	// No else needed: optional operation (configuration loading with fallback)
	if sizeStr, err := config.ConfigStringWithDefault("agentchat.max_event_size", fmt.Sprintf("%d", constants.DefaultMaxEventSize)); err == nil {
		var parsedSize int64
		// No else needed: optional operation (logging based on parse result)
		if _, parseErr := fmt.Sscanf(sizeStr, "%d", &parsedSize); parseErr == nil && parsedSize > 0 {
			maxEventSize = parsedSize
		} else {
			serviceLogger.Warn("Invalid max_event_size in config, using default", "value", sizeStr, "default", maxEventSize)
		}
	}

	// Load per-user event rate and connection limits
	eventRate, err := config.ConfigIntWithDefault("agentchat.event_rate", constants.DefaultEventRate)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get event rate: %w", err)
	}
	maxConnsPerUser, err := config.ConfigIntWithDefault("agentchat.max_conns_per_user", constants.DefaultMaxConnsPerUser)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get max connections per user: %w", err)
	}

	// Chat log persistence is optional; without MongoDB the service still
	// routes chats, it just keeps no transcripts.
	var logStore session.LogStore
	var logService *chatlog.Service
	// No else needed: optional operation (persistence only with a database)
	if mongo != nil {
		dbName, err := config.ConfigStringWithDefault("agentchat.database", constants.DefaultDatabase)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get database name: %w", err)
		}
		collName, err := config.ConfigStringWithDefault("agentchat.log_collection", constants.DefaultLogCollection)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get log collection name: %w", err)
		}

		logService = chatlog.NewService(mongo, dbName, collName, serviceLogger)
		logStore = logService

		indexCtx, indexCancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
		defer indexCancel()
		// No else needed: optional operation (non-critical index creation)
		if err := logService.EnsureIndexes(indexCtx); err != nil {
			serviceLogger.Warn("Failed to create MongoDB indexes", "error", err)
			// Don't fail startup - indexes can be created manually if needed
		}
	} else {
		serviceLogger.Warn("No MongoDB configured, chat transcripts will not be persisted")
	}

	// Core wiring: registry -> presence -> router -> session controller.
	// Every registry change re-pushes the full roster to every connection.
	reg := registry.New(serviceLogger)
	broadcaster := presence.NewBroadcaster(reg, serviceLogger)
	reg.OnRosterChange(broadcaster.Push)
	messageRouter := router.New(reg, serviceLogger)
	controller := session.NewController(reg, messageRouter, logStore, serviceLogger)

	// Per-user inbound event rate limiter
	eventLimiter := ratelimit.NewEventLimiter(constants.DefaultRateWindow, eventRate)

	wsHandler := websocket.NewHandler(validator, controller, eventLimiter, serviceLogger, maxEventSize, maxConnsPerUser)

	// Per-IP rate limiter for public endpoints (healthz, readyz, metrics)
	publicLimiter := ratelimit.NewEventLimiter(constants.DefaultRateWindow, constants.PublicEndpointRate)

	// Configure allowed origins for WebSocket connections.
	// SECURITY: when no origins are configured, ALL origins are accepted.
	// Acceptable only in development.
	allowedOriginsStr, err := config.ConfigStringWithDefault("agentchat.allowed_origins", "")
	// No else needed: optional operation (configuration with fallback logging)
	if err == nil && allowedOriginsStr != "" {
		if containsPlaceholder(allowedOriginsStr) {
			return fmt.Errorf("agentchat.allowed_origins contains placeholder value %q, set actual origins before deploying", allowedOriginsStr)
		}
		origins := strings.Split(allowedOriginsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		wsHandler.SetAllowedOrigins(origins)
	} else {
		serviceLogger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	// Assistant escalation: optional helper command evaluated per turn
	evaluator, err := buildEvaluator(config, serviceLogger)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	escalationThreshold, err := config.ConfigIntWithDefault("agentchat.escalation_threshold", constants.EscalationThreshold)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get escalation threshold: %w", err)
	}
	tracker := escalation.NewTracker(escalationThreshold)

	// Start background cleanup goroutines only after all validation is complete,
	// so we don't leak goroutines if Register() returns an error.
	eventLimiter.StartCleanup()
	publicLimiter.StartCleanup()

	// Store global references for graceful shutdown.
	// Stop any previously-registered instances to prevent goroutine leaks
	// when Register() is called multiple times (tests, hot-reload).
	shutdownMu.Lock()
	if globalEventLimiter != nil {
		globalEventLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}
	if globalWSHandler != nil {
		_ = globalWSHandler.ShutdownWithContext(context.Background())
	}
	globalWSHandler = wsHandler
	globalEventLimiter = eventLimiter
	globalPublicLimiter = publicLimiter
	globalLogger = serviceLogger
	shutdownMu.Unlock()

	// Configure CORS middleware
	corsOriginsStr, err := config.ConfigStringWithDefault("agentchat.cors_allowed_origins", "")
	// No else needed: optional operation (CORS configuration with fallback logging)
	if err == nil && corsOriginsStr != "" {
		if containsPlaceholder(corsOriginsStr) {
			return fmt.Errorf("agentchat.cors_allowed_origins contains placeholder value %q, set actual origins before deploying", corsOriginsStr)
		}
		allowedOrigins := strings.Split(corsOriginsStr, ",")
		for i, origin := range allowedOrigins {
			allowedOrigins[i] = strings.TrimSpace(origin)
		}

		corsConfig := cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		r.Use(cors.New(corsConfig))

		serviceLogger.Info("CORS middleware configured",
			"allowed_origins", allowedOrigins,
			"allow_credentials", true)
	} else {
		serviceLogger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// Configure trusted proxies to prevent X-Forwarded-For spoofing.
	// c.ClientIP() will only trust X-Forwarded-For from these networks.
	trustedProxiesStr, _ := config.ConfigStringWithDefault("agentchat.trusted_proxies", constants.DefaultTrustedProxies)
	if trustedProxiesStr != "" {
		proxies := strings.Split(trustedProxiesStr, ",")
		for i, p := range proxies {
			proxies[i] = strings.TrimSpace(p)
		}
		if err := r.SetTrustedProxies(proxies); err != nil {
			serviceLogger.Warn("Failed to set trusted proxies", "error", err)
		} else {
			serviceLogger.Info("Trusted proxies configured", "proxies", proxies)
		}
	}

	// Apply security headers middleware
	r.Use(securityHeadersMiddleware())

	// Apply metrics middleware to record HTTP request duration
	r.Use(metricsMiddleware())

	serviceLogger.Info("Using HTTP path prefix", "prefix", pathPrefix)

	// Register routes
	chatGroup := r.Group(pathPrefix)
	{
		// WebSocket endpoint - use Gin context adapter
		chatGroup.GET("/ws", func(c *gin.Context) {
			// If JWT is in query param, move it to Authorization header and
			// redact it from the URL so it never appears in Gin access logs.
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get("Authorization") == "" {
					c.Request.Header.Set("Authorization", "Bearer "+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			wsHandler.HandleWebSocket(c.Writer, c.Request)
		})

		// Assistant escalation endpoint (authenticated when a validator exists)
		chatGroup.POST("/assistant",
			optionalAuthMiddleware(validator, serviceLogger),
			handleAssistantTurn(evaluator, tracker, messageRouter, serviceLogger))

		// Supervisor HTTP endpoints
		adminGroup := chatGroup.Group("/admin")
		adminGroup.Use(supervisorAuthMiddleware(validator, serviceLogger))
		{
			adminGroup.GET("/roster", handleRoster(reg))
		}

		// Health check endpoints (rate limited to prevent abuse)
		chatGroup.GET("/healthz", publicRateLimitMiddleware(publicLimiter, serviceLogger), handleHealthCheck)
		chatGroup.GET("/readyz", publicRateLimitMiddleware(publicLimiter, serviceLogger), handleReadyCheck(mongo, config, serviceLogger))

		// Prometheus metrics endpoint, restricted to configured networks
		metricsAllowedStr, _ := config.ConfigStringWithDefault("agentchat.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)
		metricsNets := parseNetworks(metricsAllowedStr, serviceLogger)
		chatGroup.GET("/metrics/prometheus",
			metricsNetworkMiddleware(metricsNets, serviceLogger),
			publicRateLimitMiddleware(publicLimiter, serviceLogger),
			gin.WrapH(promhttp.Handler()),
		)
	}

	serviceLogger.Info("Agentchat service registered successfully",
		"websocket_endpoint", pathPrefix+"/ws",
		"assistant_endpoint", pathPrefix+"/assistant",
		"roster_endpoint", pathPrefix+"/admin/roster",
		"health_endpoints", pathPrefix+"/healthz, "+pathPrefix+"/readyz",
		"metrics_endpoint", pathPrefix+"/metrics/prometheus",
	)

	return nil
}

// buildEvaluator builds the assistant evaluator from configuration.
// Returns nil when no helper command is configured (assistant disabled).
func buildEvaluator(config *goconfig.ConfigAccessor, logger *golog.Logger) (assistant.Evaluator, error) {
	command, err := config.ConfigStringWithDefault("agentchat.assistant_command", "")
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to get assistant command: %w", err)
	}
	// No else needed: early return pattern (guard clause)
	if command == "" {
		logger.Warn("No assistant command configured, assistant endpoint disabled")
		return nil, nil
	}

	timeoutStr, err := config.ConfigStringWithDefault("agentchat.assistant_timeout", constants.AssistantTimeout.String())
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to get assistant timeout: %w", err)
	}
	timeout, err := time.ParseDuration(timeoutStr)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("invalid assistant timeout format: %w", err)
	}

	parts := strings.Fields(command)
	logger.Info("Assistant evaluator configured", "command", parts[0], "timeout", timeout)

	return assistant.NewScriptEvaluator(parts[0], parts[1:], timeout, logger), nil
}

// assistantTurnRequest is the request body of the assistant endpoint
type assistantTurnRequest struct {
	Username string `json:"username" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// handleAssistantTurn returns a handler that evaluates one assistant turn and
// fires a supervisor hand-off once the escalation streak reaches the
// threshold. The hand-off is a broadcast chat injected into the routing table.
func handleAssistantTurn(evaluator assistant.Evaluator, tracker *escalation.Tracker, messageRouter *router.Router, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No else needed: early return pattern (guard clause)
		if evaluator == nil {
			httperrors.RespondServiceUnavailable(c)
			return
		}

		var req assistantTurnRequest
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&req); err != nil {
			httperrors.RespondBadRequest(c, "username and message are required")
			return
		}

		// An authenticated caller may only evaluate turns as themselves
		// No else needed: optional operation (only checked when authenticated)
		if claims := claimsFromContext(c); claims != nil && claims.Username != req.Username {
			httperrors.RespondForbidden(c)
			return
		}

		turn, err := evaluator.Evaluate(c.Request.Context(), req.Message)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			util.LogError(logger, "assistant", "evaluate turn", err, "username", req.Username)
			httperrors.RespondServiceUnavailable(c)
			return
		}

		handoff := tracker.Observe(req.Username, turn.Escalate)
		// No else needed: optional operation (hand-off only at the threshold)
		if handoff {
			logger.Info("Assistant escalation hand-off",
				"username", req.Username)

			notice := &event.Chat{
				From:      req.Username,
				To:        event.BroadcastTarget,
				Text:      "Automated assistant requests supervisor attention for this conversation",
				FromType:  event.RoleAgent,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			// No else needed: error handling (a failed notice never fails the turn)
			if err := messageRouter.NotifySupervisors(notice); err != nil {
				util.LogError(logger, "assistant", "notify supervisors", err, "username", req.Username)
			}
		}

		c.JSON(constants.StatusOK, gin.H{
			"response": turn.Response,
			"escalate": turn.Escalate,
			"handoff":  handoff,
		})
	}
}

// handleRoster returns a handler exposing the current supervisor roster
func handleRoster(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		roster := reg.Roster()
		c.JSON(constants.StatusOK, gin.H{
			"supervisors": roster,
			"count":       len(roster),
			"connections": reg.Len(),
		})
	}
}

// handleHealthCheck returns a handler for the liveness probe endpoint
func handleHealthCheck(c *gin.Context) {
	// Basic liveness check - if we can respond, we're alive
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck returns a handler for the readiness probe endpoint.
// It verifies the critical dependencies before the pod receives traffic.
func handleReadyCheck(mongo *gomongo.Mongo, config *goconfig.ConfigAccessor, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		// No else needed: optional operation (MongoDB health check)
		if mongo == nil {
			checks["mongodb"] = map[string]interface{}{
				"status": "disabled",
			}
		} else {
			ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
			defer cancel()

			dbName, _ := config.ConfigStringWithDefault("agentchat.database", constants.DefaultDatabase)
			collName, _ := config.ConfigStringWithDefault("agentchat.log_collection", constants.DefaultLogCollection)
			testColl := mongo.Coll(dbName, collName)
			err := testColl.Ping(ctx)
			// No else needed: optional operation (health check result recording)
			if err != nil {
				logger.Warn("MongoDB health check failed",
					"error", err,
					"component", "health")

				checks["mongodb"] = map[string]interface{}{
					"status": "not ready",
					"reason": "Database connectivity check failed",
				}
				allReady = false
			} else {
				checks["mongodb"] = map[string]interface{}{
					"status": "ready",
				}
			}
		}

		status := "ready"
		statusCode := constants.StatusOK
		// No else needed: optional operation (status code adjustment based on health)
		if !allReady {
			status = "not ready"
			statusCode = constants.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// Shutdown gracefully shuts down the agentchat service.
// It closes all active WebSocket connections and stops background goroutines.
// This function should be called when the application receives a SIGTERM or
// SIGINT signal. It respects the context deadline.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	// No else needed: optional operation (logging during shutdown)
	if globalLogger != nil {
		globalLogger.Info("Starting graceful shutdown of agentchat service")
	}

	// Stop rate limiter cleanup goroutines
	// No else needed: optional operation (cleanup stop)
	if globalEventLimiter != nil {
		globalEventLimiter.StopCleanup()
	}
	// No else needed: optional operation (cleanup stop)
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}

	// Close all WebSocket connections with context deadline
	// No else needed: optional operation (WebSocket shutdown with error handling)
	if globalWSHandler != nil {
		// No else needed: early return pattern (guard clause)
		if err := globalWSHandler.ShutdownWithContext(ctx); err != nil {
			// No else needed: optional operation (error logging)
			if globalLogger != nil {
				globalLogger.Warn("WebSocket handler shutdown error", "error", err)
			}
			return err
		}
	}

	// No else needed: optional operation (final logging)
	if globalLogger != nil {
		globalLogger.Info("Agentchat service shutdown complete")
	}

	return nil
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// publicRateLimitMiddleware creates a Gin middleware for rate limiting public
// endpoints (healthz, readyz, metrics) by client IP to prevent abuse.
func publicRateLimitMiddleware(limiter *ratelimit.EventLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP() respects trusted proxies, preventing X-Forwarded-For spoofing
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			retryAfter := limiter.GetRetryAfter(clientIP)
			retryAfterSeconds := (retryAfter + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
			if retryAfterSeconds < constants.MinRetryAfterSeconds {
				retryAfterSeconds = constants.MinRetryAfterSeconds
			}
			c.Header(constants.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds))

			c.JSON(constants.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": constants.ErrMsgRateLimitExceeded,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// optionalAuthMiddleware validates a bearer token when a validator is
// configured; without one every request passes through (development mode).
func optionalAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No else needed: early return pattern (development mode)
		if validator == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader(constants.HeaderAuthorization)
		token, err := util.ExtractBearerToken(authHeader)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// Log detailed error server-side, send generic error to client
			logger.Warn("Token validation failed",
				"error", err,
				"component", "auth")
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// supervisorAuthMiddleware restricts an endpoint to supervisory roles.
// Without a validator the endpoint is open (development mode).
func supervisorAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	optional := optionalAuthMiddleware(validator, logger)
	return func(c *gin.Context) {
		optional(c)
		// No else needed: early return pattern (guard clause)
		if c.IsAborted() {
			return
		}

		// No else needed: early return pattern (guard clause)
		if claims := claimsFromContext(c); claims != nil && !claims.Supervisory() {
			logger.Warn("Insufficient permissions for supervisor endpoint",
				"username", claims.Username,
				"role", string(claims.Role),
				"component", "auth")
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}
	}
}

// claimsFromContext returns the validated claims set by the auth middleware,
// or nil when the request was not authenticated.
func claimsFromContext(c *gin.Context) *auth.Claims {
	claimsInterface, exists := c.Get("claims")
	// No else needed: early return pattern (guard clause)
	if !exists {
		return nil
	}

	claims, ok := claimsInterface.(*auth.Claims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return nil
	}

	return claims
}

// validateJWTSecret validates the JWT secret strength.
// Returns error if secret is empty, too short, or contains weak patterns.
func validateJWTSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if len(secret) < constants.MinJWTSecretLength {
		return fmt.Errorf(
			"JWT secret must be at least %d characters (got %d). "+
				"Generate a strong secret with: openssl rand -base64 32",
			constants.MinJWTSecretLength, len(secret))
	}

	lowerSecret := strings.ToLower(secret)
	for _, weak := range constants.WeakSecrets {
		if strings.Contains(lowerSecret, weak) {
			return fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				weak)
		}
	}

	return nil
}

// parseNetworks parses a comma-separated list of CIDR network strings.
func parseNetworks(networksStr string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(networksStr, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no networks configured, allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}

// containsPlaceholder checks if a configuration value still contains
// a deployment placeholder that should have been replaced.
func containsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	return strings.Contains(upper, "REPLACE_WITH") ||
		strings.Contains(upper, "PLACEHOLDER") ||
		strings.Contains(upper, "CHANGE-ME") ||
		strings.Contains(upper, "CHANGE_ME") ||
		strings.Contains(upper, "YOUR-")
}
