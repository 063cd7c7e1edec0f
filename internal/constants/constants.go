// Package constants provides centralized constant definitions for the
// agentchat application. This eliminates magic numbers and strings throughout
// the codebase.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	LogWriteTimeout       = 5 * time.Second  // Chat log append/close operations
	AssistantTimeout      = 60 * time.Second // Automated assistant turn evaluation
	ShutdownTimeout       = 10 * time.Second // Graceful shutdown deadline
)

// Sizes and Limits
const (
	DefaultMaxEventSize    = 65536 // 64KB per WebSocket frame; chat text, not file payloads
	DefaultMaxConnsPerUser = 4     // Concurrent sockets a single username may hold
	DefaultEventRate       = 120   // Events per minute per user
	SendBufferSize         = 256   // Outbound frames buffered per connection
	MaxRetryAttempts       = 3     // Maximum retry attempts for transient Mongo errors
	PublicEndpointRate     = 60    // Requests per minute for healthz/readyz/metrics
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Escalation policy
const (
	// EscalationThreshold is the number of consecutive assistant turns flagged
	// escalate=true before a hand-off to a human supervisor fires.
	EscalationThreshold = 3
)

// Default Configuration Values
const (
	DefaultMongoURI      = "mongodb://localhost:27017"
	DefaultDatabase      = "agentchat"
	DefaultLogCollection = "chat_logs"
	DefaultPort          = 8080
	DefaultLogLevel      = "info"
	DefaultLogDir        = "logs"
	DefaultPathPrefix    = "/agentchat"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
	BearerPrefixLength  = 7
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID       = "_id"
	MongoFieldUsername = "agent"
	MongoFieldStart    = "ts"
	MongoFieldEnd      = "endTs"
	MongoFieldLines    = "lines"
	MongoFieldFullText = "fullText"
	MongoFieldClosed   = "closed"
)

// MongoDB Index Names
const (
	IndexUsername  = "idx_agent"
	IndexStartTime = "idx_start_time"
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// Error messages surfaced by HTTP endpoints
const (
	ErrMsgRateLimitExceeded = "Too many requests, please slow down"
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1
)
