package sdk

import (
	"encoding/json"
	"time"
)

// Health is the ops server's health report.
type Health struct {
	// Status is "healthy", or "degraded" when any tool breaker is open
	Status string `json:"status"`

	// Breakers maps tool name to breaker state (CLOSED, OPEN, HALF_OPEN)
	Breakers map[string]string `json:"breakers"`

	// Sinks reports per-sink journal delivery counters
	Sinks []SinkStats `json:"sinks"`
}

// SinkStats counts deliveries for one journal sink.
type SinkStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Run identifies a journaled run.
type Run struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	Policy    string    `json:"policy"`
	StartedAt time.Time `json:"started_at"`
	Seq       uint64    `json:"seq"`
}

// Entry is one journal entry. Event holds the type-specific payload.
type Entry struct {
	Seq       uint64          `json:"seq"`
	RunSeq    uint64          `json:"run_seq"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id"`
	Iteration int             `json:"iteration"`
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Verification is the outcome of a journal chain check.
type Verification struct {
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
	Report struct {
		Entries  int    `json:"entries"`
		LastSeq  uint64 `json:"last_seq"`
		LastHash string `json:"last_hash"`
	} `json:"report"`
}

// Replay is a run's state rebuilt from its journal.
type Replay struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Iterations int    `json:"iterations"`

	// Pending lists tool calls proposed but never folded back
	Pending []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"pending,omitempty"`
}
