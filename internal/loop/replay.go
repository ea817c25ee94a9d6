package loop

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ocx/agentloop/internal/conversation"
	"github.com/ocx/agentloop/internal/journal"
)

// ErrInvalidHistory is returned by Replay for entries that do not form a
// single well-ordered run.
var ErrInvalidHistory = errors.New("invalid run history")

// Replay rebuilds a run's state from its journal entries: the conversation,
// the iteration count, the usage totals and the terminal status. Entries may
// be given in any order but must all belong to one run and have contiguous
// run sequence numbers starting at 1.
func Replay(entries []journal.Entry) (*State, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidHistory)
	}
	sorted := make([]journal.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RunSeq < sorted[j].RunSeq })

	runID := sorted[0].RunID
	var st *State
	for i, e := range sorted {
		if e.RunID != runID {
			return nil, fmt.Errorf("%w: entries from runs %s and %s", ErrInvalidHistory, runID, e.RunID)
		}
		if e.RunSeq != uint64(i+1) {
			return nil, fmt.Errorf("%w: run sequence %d found where %d expected", ErrInvalidHistory, e.RunSeq, i+1)
		}

		started, isStart := e.Event.(journal.Started)
		switch {
		case isStart && st != nil:
			return nil, fmt.Errorf("%w: second started event at run sequence %d", ErrInvalidHistory, e.RunSeq)
		case isStart:
			st = &State{
				RunID:         e.RunID,
				AgentID:       e.AgentID,
				MaxIterations: started.MaxIterations,
				Conversation:  conversation.New(started.SystemPrompt),
				Status:        StatusRunning,
			}
			if err := st.Conversation.Append(conversation.Message{Role: conversation.RoleUser, Content: started.UserMessage}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidHistory, err)
			}
			continue
		case st == nil:
			return nil, fmt.Errorf("%w: run does not begin with a started event", ErrInvalidHistory)
		case st.Status != StatusRunning:
			return nil, fmt.Errorf("%w: %s event after the run ended", ErrInvalidHistory, e.Event.Type())
		}

		if err := st.apply(e.Event); err != nil {
			return nil, fmt.Errorf("%w: run sequence %d: %v", ErrInvalidHistory, e.RunSeq, err)
		}
	}
	return st, nil
}

func (s *State) apply(ev journal.Event) error {
	switch ev := ev.(type) {
	case journal.IterationBegan:
		s.Iteration = ev.Iteration
	case journal.Reasoned:
		s.Usage = s.Usage.Add(ev.Usage)
		msg := conversation.Message{Role: conversation.RoleAssistant, Content: ev.Content}
		if !ev.Final {
			msg.ToolCalls = ev.ToolCalls
			s.pending = append(s.pending[:0], ev.ToolCalls...)
		}
		return s.Conversation.Append(msg)
	case journal.ActionProposed, journal.PolicyDecided, journal.PolicyWarning:
	case journal.ActionExecuted:
		for i, c := range s.pending {
			if c.ID == ev.CallID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		return s.Conversation.Append(conversation.Message{
			Role:       conversation.RoleTool,
			Content:    ev.Result,
			ToolCallID: ev.CallID,
			ToolName:   ev.Tool,
			IsError:    ev.IsError,
		})
	case journal.Completed:
		s.Status = StatusCompleted
		s.Answer = ev.Answer
	case journal.Terminated:
		s.Status = StatusTerminated
		s.Reason = ev.Reason
	case journal.Failed:
		s.Status = StatusFailed
		s.Reason = ev.Reason
	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
	return nil
}
