// Package journal is the append-only record of everything a reasoning run
// does. Entries carry a global sequence number that is strictly increasing
// with no gaps, a per-run sequence with the same property, and a SHA-256 hash
// chain for tamper evidence. Committed entries are fanned out to sinks
// without ever blocking the appender.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/agentloop/internal/metrics"
)

var (
	// ErrJournalWrite wraps any failure to durably record an entry.
	ErrJournalWrite = errors.New("journal write failed")
	// ErrSequenceConflict is returned by stores asked to write a sequence
	// that is already taken or out of order.
	ErrSequenceConflict = errors.New("journal sequence conflict")
	// ErrChainBroken is returned by Verify when the hash chain does not hold.
	ErrChainBroken = errors.New("journal hash chain broken")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("journal closed")
)

// Store persists entries. Append must be all-or-nothing: after an error the
// entry must not be visible to Query.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Head returns the entry with the highest sequence, if any.
	Head(ctx context.Context) (Entry, bool, error)
	// RunHead returns the highest per-run sequence recorded for runID, or 0.
	RunHead(ctx context.Context, runID string) (uint64, error)
	Query(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// Query filters entries. Results are ordered by sequence.
type Query struct {
	RunID    string
	AgentID  string
	Types    []EventType
	AfterSeq uint64
	Limit    int
}

// Matches reports whether e satisfies the filter, ignoring Limit.
func (q Query) Matches(e Entry) bool {
	if q.RunID != "" && e.RunID != q.RunID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if e.Seq <= q.AfterSeq {
		return false
	}
	if len(q.Types) > 0 {
		for _, t := range q.Types {
			if e.Event != nil && e.Event.Type() == t {
				return true
			}
		}
		return false
	}
	return true
}

// Meta identifies where an event belongs.
type Meta struct {
	RunID     string
	AgentID   string
	Iteration int
}

// Journal assigns sequence numbers and hash links, persists entries through
// a Store and fans them out to subscribers. It is safe for concurrent use.
type Journal struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu       sync.Mutex
	next     uint64
	lastHash string
	runSeqs  map[string]uint64
	subs     []*subscriber
	closed   bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) { j.clock = clock }
}

// Open creates a journal over store, resuming the sequence and hash chain
// from whatever the store already holds.
func Open(ctx context.Context, store Store, opts ...Option) (*Journal, error) {
	j := &Journal{
		store:    store,
		logger:   slog.Default(),
		clock:    time.Now,
		next:     1,
		lastHash: GenesisHash,
		runSeqs:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(j)
	}

	head, ok, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal head: %w", err)
	}
	if ok {
		j.next = head.Seq + 1
		j.lastHash = head.Hash
		j.logger.Info("journal resumed", "next_seq", j.next)
	}
	return j, nil
}

// NextSequence returns the sequence number the next successful append will
// receive.
func (j *Journal) NextSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// Append records ev. The entry is visible to readers and subscribers only if
// the store write succeeds; a failed write consumes no sequence number.
func (j *Journal) Append(ctx context.Context, meta Meta, ev Event) (Entry, error) {
	if ev == nil {
		return Entry{}, fmt.Errorf("%w: nil event", ErrJournalWrite)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, fmt.Errorf("%w: %w", ErrJournalWrite, ErrClosed)
	}

	runSeq, err := j.runHead(ctx, meta.RunID)
	if err != nil {
		j.metrics.RecordAppend(string(ev.Type()), 0, err)
		return Entry{}, fmt.Errorf("%w: %v", ErrJournalWrite, err)
	}

	entry := Entry{
		Seq:       j.next,
		RunSeq:    runSeq + 1,
		Timestamp: j.clock().UTC(),
		RunID:     meta.RunID,
		AgentID:   meta.AgentID,
		Iteration: meta.Iteration,
		Event:     ev,
		PrevHash:  j.lastHash,
	}
	entry.Hash, err = entry.ComputeHash()
	if err == nil {
		err = j.store.Append(ctx, entry)
	}
	j.metrics.RecordAppend(string(ev.Type()), entry.Seq, err)
	if err != nil {
		j.logger.Error("journal append failed", "seq", entry.Seq, "run_id", meta.RunID, "event", ev.Type(), "error", err)
		return Entry{}, fmt.Errorf("%w: seq %d: %v", ErrJournalWrite, entry.Seq, err)
	}

	j.next++
	j.lastHash = entry.Hash
	j.runSeqs[meta.RunID] = entry.RunSeq

	j.fanout(entry)
	return entry, nil
}

func (j *Journal) runHead(ctx context.Context, runID string) (uint64, error) {
	if seq, ok := j.runSeqs[runID]; ok {
		return seq, nil
	}
	seq, err := j.store.RunHead(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("read run head: %w", err)
	}
	j.runSeqs[runID] = seq
	return seq, nil
}

// Entries returns entries matching q in sequence order.
func (j *Journal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	return j.store.Query(ctx, q)
}

// Run returns every entry of runID in order.
func (j *Journal) Run(ctx context.Context, runID string) ([]Entry, error) {
	return j.store.Query(ctx, Query{RunID: runID})
}

// Forget drops the cached per-run sequence for a finished run. A later
// append to the same run reloads its head from the store.
func (j *Journal) Forget(runID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.runSeqs, runID)
}

// ActiveRuns is the number of runs whose sequence is cached.
func (j *Journal) ActiveRuns() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.runSeqs)
}

// Close stops fan-out, waits for sinks to drain, and closes the store.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return j.store.Close()
}

// ============================================================================
// VERIFICATION
// ============================================================================

// VerifyReport summarizes a chain verification pass.
type VerifyReport struct {
	Entries  int    `json:"entries"`
	LastSeq  uint64 `json:"last_seq"`
	LastHash string `json:"last_hash"`
}

// Verify walks the whole journal and checks sequence continuity, per-run
// sequence continuity, entry hashes and hash links.
func (j *Journal) Verify(ctx context.Context) (VerifyReport, error) {
	entries, err := j.store.Query(ctx, Query{})
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyEntries(entries)
}

// VerifyEntries checks a full, ordered journal export.
func VerifyEntries(entries []Entry) (VerifyReport, error) {
	report := VerifyReport{LastHash: GenesisHash}
	runSeqs := make(map[string]uint64)

	for i, e := range entries {
		want := uint64(i) + 1
		if e.Seq != want {
			return report, fmt.Errorf("%w: entry %d has seq %d, want %d", ErrChainBroken, i, e.Seq, want)
		}
		if e.PrevHash != report.LastHash {
			return report, fmt.Errorf("%w: seq %d does not link to seq %d", ErrChainBroken, e.Seq, report.LastSeq)
		}
		if !e.VerifyHash() {
			return report, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
		}
		if e.RunSeq != runSeqs[e.RunID]+1 {
			return report, fmt.Errorf("%w: seq %d has run_seq %d, want %d", ErrChainBroken, e.Seq, e.RunSeq, runSeqs[e.RunID]+1)
		}
		runSeqs[e.RunID] = e.RunSeq
		report.Entries++
		report.LastSeq = e.Seq
		report.LastHash = e.Hash
	}
	return report, nil
}
