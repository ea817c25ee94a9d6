package journal

import (
	"context"
	"strconv"

	"github.com/ocx/agentloop/internal/action"
)

// MetaIteration is the InvocationContext metadata key carrying the loop
// iteration an invocation belongs to.
const MetaIteration = "iteration"

// WarningRecorder journals policy warnings raised outside the loop, such as
// by direct enforced executions.
type WarningRecorder struct {
	Journal *Journal
}

func (w WarningRecorder) RecordWarning(ctx context.Context, ictx action.InvocationContext, reason string, count int) error {
	iteration, _ := strconv.Atoi(ictx.Metadata[MetaIteration])
	_, err := w.Journal.Append(ctx, Meta{RunID: ictx.RunID, AgentID: ictx.AgentID, Iteration: iteration}, PolicyWarning{
		CallID: ictx.CallID,
		Tool:   ictx.ToolName,
		Reason: reason,
		Count:  count,
	})
	return err
}
