package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the PrevHash of the first entry in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable journal record.
type Entry struct {
	Seq       uint64    `json:"seq"`
	RunSeq    uint64    `json:"run_seq"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	Iteration int       `json:"iteration"`
	Event     Event     `json:"-"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

type entryJSON struct {
	Seq       uint64          `json:"seq"`
	RunSeq    uint64          `json:"run_seq"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id"`
	Iteration int             `json:"iteration"`
	Type      EventType       `json:"type"`
	Event     json.RawMessage `json:"event"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// MarshalJSON encodes the entry with its event tagged by type.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, errors.New("journal entry has no event")
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Event.Type(), err)
	}
	return json.Marshal(entryJSON{
		Seq:       e.Seq,
		RunSeq:    e.RunSeq,
		Timestamp: e.Timestamp,
		RunID:     e.RunID,
		AgentID:   e.AgentID,
		Iteration: e.Iteration,
		Type:      e.Event.Type(),
		Event:     payload,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
	})
}

// UnmarshalJSON decodes an entry produced by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ev, err := DecodeEvent(raw.Type, raw.Event)
	if err != nil {
		return err
	}
	*e = Entry{
		Seq:       raw.Seq,
		RunSeq:    raw.RunSeq,
		Timestamp: raw.Timestamp,
		RunID:     raw.RunID,
		AgentID:   raw.AgentID,
		Iteration: raw.Iteration,
		Event:     ev,
		PrevHash:  raw.PrevHash,
		Hash:      raw.Hash,
	}
	return nil
}

// ComputeHash returns the SHA-256 of the entry's canonical JSON with Hash
// cleared.
func (e Entry) ComputeHash() (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash reports whether the stored hash matches the entry's content.
func (e Entry) VerifyHash() bool {
	h, err := e.ComputeHash()
	return err == nil && h == e.Hash
}
