// Package ratelimit provides rate limiting functionality for WebSocket
// connections and inbound events. It implements per-user connection caps and a
// sliding window event limiter to prevent abuse.
package ratelimit

import (
	"sync"
	"time"
)

// ConnectionLimiter limits the number of concurrent connections per user
type ConnectionLimiter struct {
	connections map[string]int // username -> connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow checks if a new connection is allowed for the user
func (cl *ConnectionLimiter) Allow(username string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[username]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[username] = count + 1
	return true
}

// Release decrements the connection count for a user
func (cl *ConnectionLimiter) Release(username string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[username]; ok {
		if count <= 1 {
			delete(cl.connections, username)
		} else {
			cl.connections[username] = count - 1
		}
	}
}

// GetCount returns the current connection count for a user
func (cl *ConnectionLimiter) GetCount(username string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[username]
}

// EventLimiter limits the rate of inbound events per user using a sliding
// window
type EventLimiter struct {
	events map[string][]time.Time // username -> timestamps
	window time.Duration
	limit  int
	mu     sync.RWMutex

	// Cleanup goroutine management
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupWg       sync.WaitGroup
	stopOnce        sync.Once
}

// NewEventLimiter creates a new event rate limiter
// window: time window for rate limiting (e.g., 1 minute)
// limit: maximum number of events allowed in the window
func NewEventLimiter(window time.Duration, limit int) *EventLimiter {
	return &EventLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow checks if an event is allowed based on rate limiting
// Returns true if allowed, false if rate limit exceeded
func (el *EventLimiter) Allow(username string) bool {
	el.mu.Lock()
	defer el.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-el.window)

	events := el.events[username]

	// Filter out old events outside the window
	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= el.limit {
		el.events[username] = recent
		return false
	}

	recent = append(recent, now)
	el.events[username] = recent

	return true
}

// GetRetryAfter returns the time in milliseconds until the next event is
// allowed
func (el *EventLimiter) GetRetryAfter(username string) int {
	el.mu.RLock()
	defer el.mu.RUnlock()

	events := el.events[username]
	if len(events) < el.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-el.window)

	var oldestInWindow time.Time
	for _, t := range events {
		if t.After(cutoff) {
			if oldestInWindow.IsZero() || t.Before(oldestInWindow) {
				oldestInWindow = t
			}
		}
	}

	if oldestInWindow.IsZero() {
		return 0
	}

	retryAfter := oldestInWindow.Add(el.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// Reset clears the rate limit history for a user
func (el *EventLimiter) Reset(username string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.events, username)
}

// Cleanup removes expired events to prevent memory leaks.
// Called periodically by the cleanup goroutine.
func (el *EventLimiter) Cleanup() {
	el.mu.Lock()
	defer el.mu.Unlock()

	cutoff := time.Now().Add(-el.window)

	for username, events := range el.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(el.events, username)
		} else {
			el.events[username] = recent
		}
	}
}

// StartCleanup starts a background goroutine that periodically cleans up
// expired events
func (el *EventLimiter) StartCleanup() {
	el.cleanupWg.Add(1)
	go func() {
		defer el.cleanupWg.Done()
		ticker := time.NewTicker(el.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				el.Cleanup()
			case <-el.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish
func (el *EventLimiter) StopCleanup() {
	el.stopOnce.Do(func() {
		close(el.stopCleanup)
	})
	el.cleanupWg.Wait()
}
