// Package testutil provides common test helpers and mock implementations.
package testutil

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/agentchat/internal/assistant"
	"github.com/real-rm/agentchat/internal/event"
	"github.com/real-rm/agentchat/internal/websocket"
	"github.com/real-rm/golog"
)

// MockLogStore is a mock implementation of the chat log store for testing.
// It tracks method calls and allows configurable behavior.
type MockLogStore struct {
	mu sync.Mutex

	// StartLog tracking
	StartLogFunc    func(username string) (string, error)
	StartLogCalled  bool
	StartedLogs     []string
	NextLogID       string

	// AppendLog tracking
	AppendLogFunc   func(logID, text string) error
	AppendLogCalled bool
	AppendedLines   map[string][]string

	// CloseLog tracking
	CloseLogFunc   func(logID, fullText string, endTime time.Time) error
	CloseLogCalled bool
	ClosedLogs     map[string]string

	// Error injection
	StartLogError  error
	AppendLogError error
	CloseLogError  error
}

// NewMockLogStore creates a mock log store
func NewMockLogStore() *MockLogStore {
	return &MockLogStore{
		NextLogID:     "log-1",
		AppendedLines: make(map[string][]string),
		ClosedLogs:    make(map[string]string),
	}
}

// StartLog mocks opening a chat log
func (m *MockLogStore) StartLog(username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartLogCalled = true
	if m.StartLogError != nil {
		return "", m.StartLogError
	}
	if m.StartLogFunc != nil {
		return m.StartLogFunc(username)
	}
	m.StartedLogs = append(m.StartedLogs, username)
	return m.NextLogID, nil
}

// AppendLog mocks appending a transcript line
func (m *MockLogStore) AppendLog(logID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendLogCalled = true
	if m.AppendLogError != nil {
		return m.AppendLogError
	}
	if m.AppendLogFunc != nil {
		return m.AppendLogFunc(logID, text)
	}
	m.AppendedLines[logID] = append(m.AppendedLines[logID], text)
	return nil
}

// CloseLog mocks closing a chat log
func (m *MockLogStore) CloseLog(logID, fullText string, endTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseLogCalled = true
	if m.CloseLogError != nil {
		return m.CloseLogError
	}
	if m.CloseLogFunc != nil {
		return m.CloseLogFunc(logID, fullText, endTime)
	}
	m.ClosedLogs[logID] = fullText
	return nil
}

// Lines returns a copy of the lines appended to a log
func (m *MockLogStore) Lines(logID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, len(m.AppendedLines[logID]))
	copy(lines, m.AppendedLines[logID])
	return lines
}

// Closed reports whether a log was closed and returns its full text
func (m *MockLogStore) Closed(logID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.ClosedLogs[logID]
	return text, ok
}

// MockEvaluator is a mock assistant evaluator with scripted outcomes
type MockEvaluator struct {
	mu        sync.Mutex
	Turns     []*assistant.Turn
	Err       error
	CallCount int
	Messages  []string
}

// Evaluate returns the next scripted turn, repeating the last one when the
// script runs out
func (m *MockEvaluator) Evaluate(_ context.Context, message string) (*assistant.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = append(m.Messages, message)
	idx := m.CallCount
	m.CallCount++

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Turns) == 0 {
		return &assistant.Turn{Response: "ok"}, nil
	}
	if idx >= len(m.Turns) {
		idx = len(m.Turns) - 1
	}
	return m.Turns[idx], nil
}

// MockConnection creates a mock WebSocket connection for testing
func MockConnection(username string, role event.Role) *websocket.Connection {
	return websocket.NewConnection(username, role)
}

// ReceiveFrame receives one raw frame from a connection's send buffer,
// failing the test after the timeout.
func ReceiveFrame(t *testing.T, conn *websocket.Connection, timeout time.Duration) []byte {
	t.Helper()
	select {
	case data := <-conn.ReceiveForTest():
		return data
	case <-time.After(timeout):
		t.Fatalf("Timed out waiting for frame on connection %s", conn.ConnectionID)
		return nil
	}
}

// ReceiveJSON receives one frame and unmarshals it into a generic map
func ReceiveJSON(t *testing.T, conn *websocket.Connection, timeout time.Duration) map[string]interface{} {
	t.Helper()
	data := ReceiveFrame(t, conn, timeout)
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", data, err)
	}
	return decoded
}

// AssertNoFrame asserts that no frame arrives on a connection within the window
func AssertNoFrame(t *testing.T, conn *websocket.Connection, window time.Duration) {
	t.Helper()
	select {
	case data := <-conn.ReceiveForTest():
		t.Fatalf("Unexpected frame on connection %s: %s", conn.ConnectionID, data)
	case <-time.After(window):
	}
}

// DrainFrames drops every buffered frame currently queued on a connection
func DrainFrames(conn *websocket.Connection) {
	for {
		select {
		case <-conn.ReceiveForTest():
		default:
			return
		}
	}
}

// CreateTestLogger creates a logger for testing that writes to a temporary directory
func CreateTestLogger(t *testing.T) *golog.Logger {
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines waits for goroutines to stabilize
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
