// Package executor defines the boundary between the reasoning loop and the
// code that actually runs tools, and provides an in-process dispatcher.
package executor

import (
	"context"
	"time"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/circuitbreaker"
)

// Invocation is one approved tool call handed to an executor.
type Invocation struct {
	Call    action.ToolCall
	Context action.InvocationContext
}

// Options controls a batch execution.
type Options struct {
	// CallTimeout bounds each call. Zero means no per-call bound.
	CallTimeout time.Duration
	// Breakers is the registry the caller admitted the batch through.
	// Executors may consult it but must not record outcomes in it.
	Breakers *circuitbreaker.Registry
}

// ActionExecutor runs a batch of approved invocations. It returns one
// observation per invocation, correlated by call id; order is not required.
// Tool failures are reported as error observations. A non-nil error means the
// batch as a whole could not run.
type ActionExecutor interface {
	Execute(ctx context.Context, batch []Invocation, opts Options) ([]action.Observation, error)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, batch []Invocation, opts Options) ([]action.Observation, error)

func (f ExecutorFunc) Execute(ctx context.Context, batch []Invocation, opts Options) ([]action.Observation, error) {
	return f(ctx, batch, opts)
}

// Correlate orders observations to match batch by call id. Calls with no
// observation, and duplicate or stray observations, are replaced with error
// observations so every call gets exactly one result.
func Correlate(batch []Invocation, observations []action.Observation) []action.Observation {
	byID := make(map[string]action.Observation, len(observations))
	for _, obs := range observations {
		if _, dup := byID[obs.CallID]; dup {
			continue
		}
		byID[obs.CallID] = obs
	}

	out := make([]action.Observation, len(batch))
	for i, inv := range batch {
		obs, ok := byID[inv.Call.ID]
		switch {
		case !ok:
			out[i] = action.ErrorObservation(inv.Call, "executor returned no result for call %s", inv.Call.ID)
		case obs.ToolName != "" && obs.ToolName != inv.Call.Name:
			out[i] = action.ErrorObservation(inv.Call, "executor result for call %s names tool %q", inv.Call.ID, obs.ToolName)
		default:
			obs.ToolName = inv.Call.Name
			out[i] = obs
		}
	}
	return out
}
