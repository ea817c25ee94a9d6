// Package conversation holds the ordered message history of a single
// reasoning run.
package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ocx/agentloop/internal/action"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrInvalidMessage is returned by Append for messages that break the
// conversation's shape rules.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a single entry in a conversation.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolCalls  []action.ToolCall `json:"tool_calls,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// ToolResult converts an observation into the tool message that carries it
// back to the model.
func ToolResult(obs action.Observation) Message {
	return Message{
		Role:       RoleTool,
		Content:    obs.Result,
		ToolCallID: obs.CallID,
		ToolName:   obs.ToolName,
		IsError:    obs.IsError,
	}
}

// Conversation is append-only. It belongs to one run and is not safe for
// concurrent use.
type Conversation struct {
	messages []Message
}

// New returns a conversation seeded with an optional system prompt.
func New(systemPrompt string) *Conversation {
	c := &Conversation{}
	if strings.TrimSpace(systemPrompt) != "" {
		c.messages = append(c.messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return c
}

// Append validates msg and adds it to the end of the history.
func (c *Conversation) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if len(msg.ToolCalls) > 0 {
		calls := make([]action.ToolCall, len(msg.ToolCalls))
		copy(calls, msg.ToolCalls)
		msg.ToolCalls = calls
	}
	c.messages = append(c.messages, msg)
	return nil
}

// Validate reports whether msg may be appended to a conversation.
func (msg Message) Validate() error {
	switch msg.Role {
	case RoleSystem:
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("%w: empty system message", ErrInvalidMessage)
		}
	case RoleUser:
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("%w: empty user message", ErrInvalidMessage)
		}
	case RoleAssistant:
		// An assistant turn that only proposes tool calls may have no text.
		if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
			return fmt.Errorf("%w: empty assistant message", ErrInvalidMessage)
		}
	case RoleTool:
		if msg.ToolCallID == "" {
			return fmt.Errorf("%w: tool message without call id", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	return nil
}

// Messages returns a copy of the full history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the most recent message.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Window returns the newest messages that fit within budget tokens, keeping
// the leading system message when there is one. A budget of zero or less
// returns the whole history. Tool results whose originating assistant turn
// fell outside the window are dropped from its front.
func (c *Conversation) Window(budget int, counter TokenCounter) []Message {
	if budget <= 0 || len(c.messages) == 0 {
		return c.Messages()
	}
	if counter == nil {
		counter = HeuristicCounter{}
	}

	var head []Message
	body := c.messages
	if body[0].Role == RoleSystem {
		head = body[:1]
		body = body[1:]
		budget -= MessageTokens(head[0], counter)
	}

	start := len(body)
	for i := len(body) - 1; i >= 0; i-- {
		cost := MessageTokens(body[i], counter)
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}
	for start < len(body) && body[start].Role == RoleTool {
		start++
	}

	out := make([]Message, 0, len(head)+len(body)-start)
	out = append(out, head...)
	out = append(out, body[start:]...)
	return out
}
