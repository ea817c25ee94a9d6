package trust

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownTool is returned by StaticAnchor for tools it has no record of.
var ErrUnknownTool = errors.New("no verification record for tool")

// StaticAnchor serves verification statuses from memory. It backs the CLI
// and tests, and can be updated while runs are in flight.
type StaticAnchor struct {
	mu       sync.RWMutex
	statuses map[string]VerificationStatus
	fallback VerificationStatus
}

// NewStaticAnchor creates an anchor seeded with statuses.
func NewStaticAnchor(statuses map[string]VerificationStatus) *StaticAnchor {
	a := &StaticAnchor{statuses: make(map[string]VerificationStatus, len(statuses))}
	for tool, s := range statuses {
		a.statuses[tool] = s
	}
	return a
}

// WithFallback sets the status returned for unknown tools instead of
// ErrUnknownTool.
func (a *StaticAnchor) WithFallback(s VerificationStatus) *StaticAnchor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = s
	return a
}

// Set records the status for tool.
func (a *StaticAnchor) Set(tool string, s VerificationStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[tool] = s
}

func (a *StaticAnchor) Status(ctx context.Context, tool string) (VerificationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.statuses[tool]; ok {
		return s, nil
	}
	if a.fallback != nil {
		return a.fallback, nil
	}
	return nil, ErrUnknownTool
}

// StaticAnchorFromRecords builds a StaticAnchor from wire records, as loaded
// from configuration.
func StaticAnchorFromRecords(records map[string]StatusRecord) (*StaticAnchor, error) {
	statuses := make(map[string]VerificationStatus, len(records))
	for tool, rec := range records {
		s, err := rec.ToStatus()
		if err != nil {
			return nil, err
		}
		statuses[tool] = s
	}
	return NewStaticAnchor(statuses), nil
}
