package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/agentloop/internal/action"
)

// ErrScriptExhausted is returned by a Scripted backend with no steps left.
var ErrScriptExhausted = errors.New("inference script exhausted")

// Step is one scripted inference outcome.
type Step struct {
	Response Response
	Err      error
	Delay    time.Duration
}

// Scripted replays a fixed sequence of responses. It is used for offline
// runs and tests.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	repeat   bool
	requests []Request
}

// NewScripted returns a backend that yields steps in order. When repeat is
// set, the last step is returned forever once the others are used up.
func NewScripted(repeat bool, steps ...Step) *Scripted {
	return &Scripted{steps: steps, repeat: repeat}
}

func (s *Scripted) Infer(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 || (s.next >= len(s.steps) && !s.repeat) {
		s.mu.Unlock()
		return Response{}, Fatal(ErrScriptExhausted)
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[idx]
	s.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	return step.Response, nil
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many times Infer was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// ============================================================================
// SCRIPT FILES
// ============================================================================

// ScriptFile is the YAML form of a script.
//
//	repeat: false
//	steps:
//	  - content: "looking it up"
//	    tool_calls:
//	      - {id: c1, name: search, arguments: '{"q":"go"}'}
//	  - final: "done"
type ScriptFile struct {
	Repeat bool         `yaml:"repeat"`
	Steps  []ScriptStep `yaml:"steps"`
}

// ScriptStep is one step of a ScriptFile.
type ScriptStep struct {
	Content          string           `yaml:"content"`
	ToolCalls        []ScriptToolCall `yaml:"tool_calls"`
	Final            string           `yaml:"final"`
	Error            string           `yaml:"error"`
	Retryable        bool             `yaml:"retryable"`
	DelayMS          int              `yaml:"delay_ms"`
	PromptTokens     int              `yaml:"prompt_tokens"`
	CompletionTokens int              `yaml:"completion_tokens"`
}

// ScriptToolCall is a tool call inside a ScriptStep. Arguments is raw JSON.
type ScriptToolCall struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Arguments string `yaml:"arguments"`
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Scripted, error) {
	var f ScriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("parse script: no steps")
	}

	steps := make([]Step, 0, len(f.Steps))
	for i, s := range f.Steps {
		step := Step{Delay: time.Duration(s.DelayMS) * time.Millisecond}
		if s.Error != "" {
			err := errors.New(s.Error)
			if s.Retryable {
				step.Err = Retryable(err)
			} else {
				step.Err = Fatal(err)
			}
			steps = append(steps, step)
			continue
		}

		resp := Response{
			Content: s.Content,
			Usage:   action.Usage{PromptTokens: s.PromptTokens, CompletionTokens: s.CompletionTokens},
		}
		for j, tc := range s.ToolCalls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%d", i+1, j+1)
			}
			call := action.ToolCall{ID: id, Name: tc.Name}
			if tc.Arguments != "" {
				if !json.Valid([]byte(tc.Arguments)) {
					return nil, fmt.Errorf("parse script: step %d call %s: arguments are not valid JSON", i+1, id)
				}
				call.Arguments = json.RawMessage(tc.Arguments)
			}
			resp.Actions = append(resp.Actions, call)
		}
		if s.Final != "" {
			resp.Actions = append(resp.Actions, action.FinalAnswer{Content: s.Final})
		}
		step.Response = resp
		steps = append(steps, step)
	}
	return NewScripted(f.Repeat, steps...), nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}
