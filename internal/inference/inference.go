// Package inference is the boundary between the reasoning loop and a
// language model provider.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/conversation"
)

// ErrMalformedResponse is returned for responses that propose nothing or
// propose something unusable. It is retryable.
var ErrMalformedResponse = errors.New("malformed inference response")

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
}

// Request is one inference call.
type Request struct {
	Messages       []conversation.Message
	Tools          []ToolSpec
	ResponseFormat string
}

// Response is the model's answer: either tool calls or a final answer.
type Response struct {
	Content  string
	Actions  []action.ProposedAction
	Usage    action.Usage
	Attempts int
}

// Backend is a language model provider.
type Backend interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Infer(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Final returns the response's final answer, if it has one. A final answer
// takes precedence over tool calls in the same response.
func (r Response) Final() (action.FinalAnswer, bool) {
	for _, a := range r.Actions {
		if f, ok := a.(action.FinalAnswer); ok {
			return f, true
		}
	}
	return action.FinalAnswer{}, false
}

// ToolCalls returns the tool calls in proposal order.
func (r Response) ToolCalls() []action.ToolCall {
	var calls []action.ToolCall
	for _, a := range r.Actions {
		if c, ok := a.(action.ToolCall); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// Validate rejects responses the loop cannot act on.
func (r Response) Validate() error {
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrMalformedResponse)
	}
	for i, a := range r.Actions {
		switch v := a.(type) {
		case action.ToolCall:
		case action.FinalAnswer:
			if strings.TrimSpace(v.Content) == "" {
				return fmt.Errorf("%w: empty final answer", ErrMalformedResponse)
			}
		default:
			return fmt.Errorf("%w: action %d has unsupported type %T", ErrMalformedResponse, i, a)
		}
	}
	return nil
}

// ============================================================================
// ERROR CLASSIFICATION
// ============================================================================

type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: true}
}

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: false}
}

// IsRetryable reports whether err may succeed on retry. Cancellation is
// never retryable; explicitly classified errors follow their class; anything
// else, including timeouts and malformed responses, is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var c *classifiedError
	if errors.As(err, &c) {
		return c.retryable
	}
	return true
}
