package journal

import (
	"encoding/json"
	"fmt"

	"github.com/ocx/agentloop/internal/action"
)

// EventType names a journal event variant.
type EventType string

const (
	EventStarted        EventType = "started"
	EventIterationBegan EventType = "iteration_began"
	EventReasoned       EventType = "reasoned"
	EventActionProposed EventType = "action_proposed"
	EventPolicyDecided  EventType = "policy_decided"
	EventPolicyWarning  EventType = "policy_warning"
	EventActionExecuted EventType = "action_executed"
	EventTerminated     EventType = "terminated"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
)

// Event is the payload of a journal entry. The set of variants is closed.
type Event interface {
	Type() EventType
	isEvent()
}

// Outcome describes what happened to a proposed tool call.
type Outcome string

const (
	OutcomeExecuted    Outcome = "executed"
	OutcomeFailed      Outcome = "failed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Started opens a run.
type Started struct {
	SystemPrompt  string `json:"system_prompt,omitempty"`
	UserMessage   string `json:"user_message"`
	MaxIterations int    `json:"max_iterations"`
	Policy        string `json:"policy"`
}

// IterationBegan marks the start of an iteration, numbered from 1.
type IterationBegan struct {
	Iteration int `json:"iteration"`
}

// Reasoned records one inference response.
type Reasoned struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []action.ToolCall `json:"tool_calls,omitempty"`
	Final     bool              `json:"final"`
	Usage     action.Usage      `json:"usage"`
	Attempts  int               `json:"attempts"`
}

// ActionProposed records a tool call before it reaches the gate.
type ActionProposed struct {
	Call action.ToolCall `json:"call"`
}

// PolicyDecided records the gate's decision for one call.
type PolicyDecided struct {
	CallID   string `json:"call_id"`
	Tool     string `json:"tool"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"verification_status,omitempty"`
}

// PolicyWarning records a Warn decision and the tool's running warning count.
type PolicyWarning struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ActionExecuted records the observation folded back for one call,
// including calls that were denied before reaching the executor.
type ActionExecuted struct {
	CallID     string  `json:"call_id"`
	Tool       string  `json:"tool"`
	Outcome    Outcome `json:"outcome"`
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// Terminated ends a run without an answer.
type Terminated struct {
	Reason string `json:"reason"`
}

// Completed ends a run with an answer.
type Completed struct {
	Answer string `json:"answer"`
}

// Failed ends a run on an unrecoverable error.
type Failed struct {
	Reason string `json:"reason"`
}

func (Started) Type() EventType        { return EventStarted }
func (IterationBegan) Type() EventType { return EventIterationBegan }
func (Reasoned) Type() EventType       { return EventReasoned }
func (ActionProposed) Type() EventType { return EventActionProposed }
func (PolicyDecided) Type() EventType  { return EventPolicyDecided }
func (PolicyWarning) Type() EventType  { return EventPolicyWarning }
func (ActionExecuted) Type() EventType { return EventActionExecuted }
func (Terminated) Type() EventType     { return EventTerminated }
func (Completed) Type() EventType      { return EventCompleted }
func (Failed) Type() EventType         { return EventFailed }

func (Started) isEvent()        {}
func (IterationBegan) isEvent() {}
func (Reasoned) isEvent()       {}
func (ActionProposed) isEvent() {}
func (PolicyDecided) isEvent()  {}
func (PolicyWarning) isEvent()  {}
func (ActionExecuted) isEvent() {}
func (Terminated) isEvent()     {}
func (Completed) isEvent()      {}
func (Failed) isEvent()         {}

// Terminal reports whether ev ends a run.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Terminated, Completed, Failed:
		return true
	}
	return false
}

// DecodeEvent rebuilds an event from its type tag and JSON payload.
func DecodeEvent(t EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventStarted:
		var e Started
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventIterationBegan:
		var e IterationBegan
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventReasoned:
		var e Reasoned
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventActionProposed:
		var e ActionProposed
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPolicyDecided:
		var e PolicyDecided
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPolicyWarning:
		var e PolicyWarning
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventActionExecuted:
		var e ActionExecuted
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventTerminated:
		var e Terminated
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventCompleted:
		var e Completed
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventFailed:
		var e Failed
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown journal event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t, err)
	}
	return ev, nil
}
