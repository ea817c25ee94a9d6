package journal

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps entries in memory. It is the default store for tests and
// for the ops CLI when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	runHead map[string]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runHead: make(map[string]uint64)}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.entries)) + 1; e.Seq != want {
		return fmt.Errorf("%w: got seq %d, want %d", ErrSequenceConflict, e.Seq, want)
	}
	if want := s.runHead[e.RunID] + 1; e.RunSeq != want {
		return fmt.Errorf("%w: run %s got run_seq %d, want %d", ErrSequenceConflict, e.RunID, e.RunSeq, want)
	}
	s.entries = append(s.entries, e)
	s.runHead[e.RunID] = e.RunSeq
	return nil
}

func (s *MemoryStore) Head(ctx context.Context) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemoryStore) RunHead(ctx context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runHead[runID], nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if !q.Matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
