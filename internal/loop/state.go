// Package loop drives one agent run: it asks the inference backend for the
// next actions, passes every tool call through the policy gate and the
// circuit breakers, dispatches what survives, and journals each step.
package loop

import (
	"errors"
	"fmt"
	"time"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/conversation"
	"github.com/ocx/agentloop/internal/inference"
)

// ErrInvalidConfig is returned for loop configurations that cannot run.
var ErrInvalidConfig = errors.New("invalid loop config")

// ErrRunFailed wraps the error that made a run fail with a journal write.
var ErrRunFailed = errors.New("run failed")

// Terminal reasons.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonCancelled     = "cancelled"
)

// Status is where a run is in its lifecycle.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusTerminated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the mutable state of one run. It is owned by the goroutine
// running it and never shared.
type State struct {
	RunID         string
	AgentID       string
	MaxIterations int
	Iteration     int
	Conversation  *conversation.Conversation
	Usage         action.Usage
	Status        Status
	Reason        string
	Answer        string

	// pending are tool calls proposed by the last response that have no
	// folded result yet. Only non-empty in replayed state.
	pending []action.ToolCall
}

// Config controls the runner.
type Config struct {
	MaxIterations int
	// CallTimeout bounds each inference attempt and each tool call.
	CallTimeout time.Duration
	Retry       inference.RetryPolicy
	// ContextBudget caps the tokens of history sent to the backend. Zero
	// sends everything.
	ContextBudget  int
	Counter        conversation.TokenCounter
	ResponseFormat string
}

// DefaultConfig allows ten iterations with a 30 second call timeout.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 10,
		CallTimeout:   30 * time.Second,
		Retry:         inference.DefaultRetryPolicy(),
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive", ErrInvalidConfig)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call_timeout must not be negative", ErrInvalidConfig)
	}
	if c.ContextBudget < 0 {
		return fmt.Errorf("%w: context budget must not be negative", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RunInput starts a run.
type RunInput struct {
	// RunID is generated when empty.
	RunID        string
	AgentID      string
	SystemPrompt string
	UserMessage  string
	Tools        []inference.ToolSpec
}

// Result is the outcome of a run.
type Result struct {
	RunID      string                 `json:"run_id"`
	Status     Status                 `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	Answer     string                 `json:"answer,omitempty"`
	Iterations int                    `json:"iterations"`
	Usage      action.Usage           `json:"usage"`
	Messages   []conversation.Message `json:"messages"`
	Duration   time.Duration          `json:"duration"`
}

// Summary reports the state as a Result; d is the run's wall time.
func (s *State) Summary(d time.Duration) *Result {
	return &Result{
		RunID:      s.RunID,
		Status:     s.Status,
		Reason:     s.Reason,
		Answer:     s.Answer,
		Iterations: s.Iteration,
		Usage:      s.Usage,
		Messages:   s.Conversation.Messages(),
		Duration:   d,
	}
}

// Pending returns the tool calls of a replayed run that were proposed but
// never folded back.
func (s *State) Pending() []action.ToolCall {
	return append([]action.ToolCall(nil), s.pending...)
}
