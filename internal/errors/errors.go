// Package errors provides error handling functionality for the agentchat
// WebSocket layer. It defines error categories, error codes, and conversion to
// wire-level error frames.
package errors

import (
	"fmt"

	"github.com/real-rm/agentchat/internal/event"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryProtocol represents wire-protocol and registration errors
	CategoryProtocol ErrorCategory = "protocol"
	// CategoryTransport represents socket-level errors
	CategoryTransport ErrorCategory = "transport"
	// CategoryService represents service-level errors (database, assistant)
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Protocol errors
	ErrCodeInvalidIdentity ErrorCode = "INVALID_IDENTITY"
	ErrCodeMalformedEvent  ErrorCode = "MALFORMED_EVENT"
	ErrCodeNotRegistered   ErrorCode = "NOT_REGISTERED"

	// Delivery. Never surfaced to the sender; chat is best-effort by design.
	ErrCodeRecipientUnavailable ErrorCode = "RECIPIENT_UNAVAILABLE"

	// Transport errors
	ErrCodeTransportError ErrorCode = "TRANSPORT_ERROR"

	// Authentication errors (HTTP surface)
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	// Service errors
	ErrCodeDatabaseError  ErrorCode = "DATABASE_ERROR"
	ErrCodeAssistantError ErrorCode = "ASSISTANT_ERROR"
	ErrCodeServiceError   ErrorCode = "SERVICE_ERROR"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability
// information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a ChatError to a wire-level event.ErrorInfo
func (e *ChatError) ToErrorInfo() event.ErrorInfo {
	return event.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
	}
}

// NewProtocolError creates a new protocol error (recoverable; the offending
// connection stays open)
func NewProtocolError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryProtocol,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewTransportError creates a new transport error (fatal; the connection is
// moved to Closed and the registry cleaned up)
func NewTransportError(message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryTransport,
		Code:        ErrCodeTransportError,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable)
func NewServiceError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable)
func NewRateLimitError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrInvalidIdentity creates an invalid identity error. The registration is
// rejected but the connection stays pending; the caller decides whether to
// retry or drop.
func ErrInvalidIdentity(details string, cause error) *ChatError {
	return NewProtocolError(ErrCodeInvalidIdentity,
		fmt.Sprintf("Registration rejected: %s", details), cause)
}

// ErrMalformedEvent creates a malformed event error. The frame is dropped and
// logged; the connection is never torn down for a bad payload.
func ErrMalformedEvent(details string, cause error) *ChatError {
	return NewProtocolError(ErrCodeMalformedEvent,
		fmt.Sprintf("Malformed event: %s", details), cause)
}

// ErrNotRegistered creates an error for events sent before registration
func ErrNotRegistered() *ChatError {
	return NewProtocolError(ErrCodeNotRegistered,
		"Connection has not completed registration", nil)
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrDatabaseError creates a database error
func ErrDatabaseError(cause error) *ChatError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

// ErrAssistantError creates an automated assistant error
func ErrAssistantError(cause error) *ChatError {
	return NewServiceError(ErrCodeAssistantError, "Assistant evaluation failed", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests() *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded() *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", nil)
}
