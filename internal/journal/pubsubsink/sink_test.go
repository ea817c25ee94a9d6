package pubsubsink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/agentloop/internal/journal"
)

func TestBuildMessage(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	e := journal.Entry{Seq: 42, RunSeq: 3, RunID: "run-7", AgentID: "agent-1", Timestamp: ts, Event: journal.Completed{Answer: "ok"}}

	msg, err := buildMessage(e)
	require.NoError(t, err)
	assert.Equal(t, "run-7", msg.OrderingKey)
	assert.Equal(t, "agentloop.journal.completed", msg.Attributes["ce-type"])
	assert.Equal(t, "42", msg.Attributes["ce-id"])
	assert.Equal(t, "run-7", msg.Attributes["ce-subject"])
	assert.Equal(t, "agent-1", msg.Attributes["agent_id"])
	assert.Equal(t, ts.Format(time.RFC3339Nano), msg.Attributes["ce-time"])

	var back journal.Entry
	require.NoError(t, json.Unmarshal(msg.Data, &back))
	assert.Equal(t, journal.Completed{Answer: "ok"}, back.Event)
}
