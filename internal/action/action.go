// Package action defines the values exchanged between the reasoning loop,
// the policy gate and the action executor: what the model proposes and what
// comes back from running it.
package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProposedAction is what a model proposes in one inference response. It is a
// closed set: ToolCall or FinalAnswer.
type ProposedAction interface {
	isProposedAction()
}

// ToolCall asks for a named tool to run with the given arguments.
// ID correlates the call with its Observation and is unique within a run.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FinalAnswer ends the run with Content as the answer.
type FinalAnswer struct {
	Content string `json:"content"`
}

func (ToolCall) isProposedAction()    {}
func (FinalAnswer) isProposedAction() {}

// Observation is the result of executing one ToolCall.
type Observation struct {
	ToolName string `json:"tool_name"`
	CallID   string `json:"call_id"`
	Result   string `json:"result"`
	IsError  bool   `json:"is_error"`
}

// ErrorObservation builds an error observation for call.
func ErrorObservation(call ToolCall, format string, args ...interface{}) Observation {
	return Observation{
		ToolName: call.Name,
		CallID:   call.ID,
		Result:   fmt.Sprintf(format, args...),
		IsError:  true,
	}
}

// InvocationContext describes a single tool invocation to the policy gate.
// A fresh one is built per call and never mutated after.
type InvocationContext struct {
	AgentID    string
	RunID      string
	CallID     string
	ToolName   string
	Arguments  json.RawMessage
	Timestamp  time.Time
	Metadata   map[string]string
	Credential string
}

// NewInvocationContext builds the context for call made on behalf of agentID.
func NewInvocationContext(agentID, runID string, call ToolCall) InvocationContext {
	return InvocationContext{
		AgentID:   agentID,
		RunID:     runID,
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}

// Call returns the ToolCall this context was built from.
func (c InvocationContext) Call() ToolCall {
	return ToolCall{ID: c.CallID, Name: c.ToolName, Arguments: c.Arguments}
}

// Usage is the token and cost accounting for one or more inference calls.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		Cost:             u.Cost + o.Cost,
	}
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}
