// Package assistant evaluates automated chat turns through an external
// helper process. Each turn sends one JSON request on the helper's stdin and
// reads one JSON reply from its stdout; the reply carries the response text
// and an escalation flag consumed by the escalation tracker.
package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/golog"
)

var (
	// ErrEmptyMessage is returned when a turn has no message text
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrEvaluatorFailed is returned when the helper process reports an error
	ErrEvaluatorFailed = errors.New("assistant evaluation failed")
)

// Turn is the outcome of one assistant evaluation
type Turn struct {
	Response string `json:"response"`
	Escalate bool   `json:"escalate"`
}

// Evaluator evaluates a single assistant turn
type Evaluator interface {
	Evaluate(ctx context.Context, message string) (*Turn, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface
type EvaluatorFunc func(ctx context.Context, message string) (*Turn, error)

// Evaluate implements Evaluator
func (f EvaluatorFunc) Evaluate(ctx context.Context, message string) (*Turn, error) {
	return f(ctx, message)
}

// StaticEvaluator returns a canned response for every turn and never
// escalates. Used in development when no helper command is configured and as
// a stand-in in tests.
type StaticEvaluator struct {
	Response string
}

// Evaluate implements Evaluator
func (s *StaticEvaluator) Evaluate(_ context.Context, message string) (*Turn, error) {
	// No else needed: early return pattern (guard clause)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	metrics.AssistantTurns.WithLabelValues("ok").Inc()
	return &Turn{Response: s.Response, Escalate: false}, nil
}

// turnRequest is the JSON request written to the helper's stdin
type turnRequest struct {
	Message string `json:"message"`
}

// turnReply is the JSON reply read from the helper's stdout. Exactly one of
// Response or Error is populated.
type turnReply struct {
	Response string `json:"response"`
	Escalate bool   `json:"escalate"`
	Error    string `json:"error"`
}

// ScriptEvaluator runs a helper process per turn. The helper is spawned
// fresh for every evaluation and killed when the context expires, so a hung
// model run never wedges the chat layer.
type ScriptEvaluator struct {
	command string
	args    []string
	timeout time.Duration
	logger  *golog.Logger
}

// NewScriptEvaluator creates an evaluator backed by an external command
func NewScriptEvaluator(command string, args []string, timeout time.Duration, logger *golog.Logger) *ScriptEvaluator {
	return &ScriptEvaluator{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger.WithGroup("assistant"),
	}
}

// Evaluate runs one assistant turn through the helper process
func (s *ScriptEvaluator) Evaluate(ctx context.Context, message string) (*Turn, error) {
	// No else needed: early return pattern (guard clause)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	request, err := util.MarshalJSON(turnRequest{Message: message})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn request: %w", err)
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdin = bytes.NewReader(request)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.AssistantTurns.WithLabelValues("error").Inc()
		util.LogError(s.logger, "assistant", "run helper", err,
			"command", s.command,
			"stderr", stderr.String(),
			"duration", time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrEvaluatorFailed, err)
	}

	var reply turnReply
	err = util.UnmarshalJSON(stdout.Bytes(), &reply)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.AssistantTurns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decode turn reply: %w", err)
	}

	// No else needed: early return pattern (guard clause)
	if reply.Error != "" {
		metrics.AssistantTurns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrEvaluatorFailed, reply.Error)
	}

	outcome := "ok"
	// No else needed: optional operation (label escalating turns separately)
	if reply.Escalate {
		outcome = "escalate"
	}
	metrics.AssistantTurns.WithLabelValues(outcome).Inc()

	s.logger.Debug("Assistant turn evaluated",
		"escalate", reply.Escalate,
		"duration", time.Since(start))

	return &Turn{Response: reply.Response, Escalate: reply.Escalate}, nil
}
