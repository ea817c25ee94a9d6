package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/executor"
	"github.com/ocx/agentloop/internal/trust"
)

// spyExecutor counts every call that reaches it.
type spyExecutor struct {
	mu    sync.Mutex
	calls []executor.Invocation
	err   error
}

func (s *spyExecutor) Execute(ctx context.Context, batch []executor.Invocation, opts executor.Options) ([]action.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, batch...)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]action.Observation, len(batch))
	for i, inv := range batch {
		out[i] = action.Observation{ToolName: inv.Call.Name, CallID: inv.Call.ID, Result: "ran"}
	}
	return out, nil
}

func (s *spyExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// weirdStatus satisfies VerificationStatus without being one of its variants.
type weirdStatus struct{ trust.Pending }

func (weirdStatus) Kind() string { return "weird" }

type recorderFunc func(ctx context.Context, ictx action.InvocationContext, reason string, count int) error

func (f recorderFunc) RecordWarning(ctx context.Context, ictx action.InvocationContext, reason string, count int) error {
	return f(ctx, ictx, reason, count)
}

func anchorReturning(s trust.VerificationStatus, err error) trust.Anchor {
	return trust.AnchorFunc(func(ctx context.Context, tool string) (trust.VerificationStatus, error) {
		return s, err
	})
}

func ictxFor(tool string) action.InvocationContext {
	return action.NewInvocationContext("agent-1", "run-1", action.ToolCall{ID: "call-1", Name: tool})
}

func newGate(t *testing.T, cfg Config, anchor trust.Anchor, exec executor.ActionExecutor, opts ...GateOption) *Gate {
	t.Helper()
	g, err := NewGate(cfg, anchor, exec, opts...)
	require.NoError(t, err)
	return g
}

// ============================================================================
// DECISION TABLE
// ============================================================================

func TestDecisionTable(t *testing.T) {
	verified := trust.Verified{Result: "ok"}
	failed := trust.Failed{Reason: "bad sig"}
	pending := trust.Pending{}
	skipped := trust.Skipped{Reason: "local build"}

	tests := []struct {
		name   string
		cfg    Config
		status trust.VerificationStatus
		want   string
	}{
		{"strict verified", Config{Policy: Strict}, verified, "allow"},
		{"strict failed", Config{Policy: Strict}, failed, "block"},
		{"strict pending flags off", Config{Policy: Strict, MaxWarningsBeforeEscalation: 5}, pending, "block"},
		{"strict skipped dev flag", Config{Policy: Strict, AllowSkippedInDev: true}, skipped, "block"},
		{"permissive failed", Config{Policy: Permissive, MaxWarningsBeforeEscalation: 5}, failed, "warn"},
		{"permissive failed blocked by flag", Config{Policy: Permissive, BlockFailedVerification: true, MaxWarningsBeforeEscalation: 5}, failed, "block"},
		{"permissive pending", Config{Policy: Permissive, MaxWarningsBeforeEscalation: 5}, pending, "warn"},
		{"permissive pending blocked by flag", Config{Policy: Permissive, BlockPendingVerification: true, MaxWarningsBeforeEscalation: 5}, pending, "block"},
		{"permissive skipped ignores dev flag", Config{Policy: Permissive, AllowSkippedInDev: true, MaxWarningsBeforeEscalation: 5}, skipped, "warn"},
		{"development skipped allowed", Config{Policy: Development, AllowSkippedInDev: true}, skipped, "allow"},
		{"development skipped warns", Config{Policy: Development, MaxWarningsBeforeEscalation: 5}, skipped, "warn"},
		{"development failed blocked by flag", Config{Policy: Development, BlockFailedVerification: true}, failed, "block"},
		{"development verified", Config{Policy: Development}, verified, "allow"},
		{"disabled failed", Config{Policy: Disabled}, failed, "allow"},
		{"disabled nil status", Config{Policy: Disabled}, nil, "allow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, tt.cfg, anchorReturning(tt.status, nil), nil)
			d := g.CheckInvocationAllowed(context.Background(), "search", ictxFor("search"))
			assert.Equal(t, tt.want, d.Verdict(), "reason: %s", Reason(d))
		})
	}
}

func TestDisabledNeverConsultsAnchor(t *testing.T) {
	called := false
	anchor := trust.AnchorFunc(func(ctx context.Context, tool string) (trust.VerificationStatus, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	g := newGate(t, Config{Policy: Disabled}, anchor, nil)
	assert.Equal(t, Allow{}, g.CheckInvocationAllowed(context.Background(), "", action.InvocationContext{}))
	assert.False(t, called)
}

func TestFailClosedInputs(t *testing.T) {
	for _, p := range []EnforcementPolicy{Strict, Permissive, Development} {
		cfg := Config{Policy: p, AllowSkippedInDev: true, MaxWarningsBeforeEscalation: 100}
		ctx := context.Background()

		g := newGate(t, cfg, anchorReturning(trust.Verified{}, nil), nil)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "", ictxFor("")), "%s empty name", p)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "   ", ictxFor("   ")), "%s blank name", p)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "search", ictxFor("delete_all")), "%s mismatched context", p)

		g = newGate(t, cfg, anchorReturning(nil, errors.New("timeout")), nil)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "search", ictxFor("search")), "%s anchor error", p)

		g = newGate(t, cfg, anchorReturning(nil, nil), nil)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "search", ictxFor("search")), "%s nil status", p)

		g = newGate(t, cfg, anchorReturning(weirdStatus{}, nil), nil)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "search", ictxFor("search")), "%s unknown status", p)

		panicky := trust.AnchorFunc(func(context.Context, string) (trust.VerificationStatus, error) { panic("boom") })
		g = newGate(t, cfg, panicky, nil)
		assert.IsType(t, Block{}, g.CheckInvocationAllowed(ctx, "search", ictxFor("search")), "%s panicking anchor", p)
	}

	var nilGate *Gate
	assert.IsType(t, Block{}, nilGate.CheckInvocationAllowed(context.Background(), "search", ictxFor("search")))
	assert.IsType(t, Block{}, (&Gate{}).CheckInvocationAllowed(context.Background(), "search", ictxFor("search")))
}

// ============================================================================
// ESCALATION
// ============================================================================

func TestWarningsEscalateToBlock(t *testing.T) {
	anchor := trust.NewStaticAnchor(map[string]trust.VerificationStatus{
		"search": trust.Pending{},
		"fetch":  trust.Pending{},
	})
	g := newGate(t, Config{Policy: Permissive, MaxWarningsBeforeEscalation: 2}, anchor, nil)
	ctx := context.Background()

	ev := g.Evaluate(ctx, "search", ictxFor("search"))
	assert.Equal(t, "warn", ev.Decision.Verdict())
	assert.Equal(t, 1, ev.WarningCount)
	assert.Equal(t, "warn", g.CheckInvocationAllowed(ctx, "search", ictxFor("search")).Verdict())

	ev = g.Evaluate(ctx, "search", ictxFor("search"))
	assert.Equal(t, "block", ev.Decision.Verdict())
	assert.True(t, ev.Escalated)
	assert.Equal(t, "block", g.CheckInvocationAllowed(ctx, "search", ictxFor("search")).Verdict())

	// Counters are per tool.
	assert.Equal(t, "warn", g.CheckInvocationAllowed(ctx, "fetch", ictxFor("fetch")).Verdict())

	// A verified allow resets the streak.
	anchor.Set("search", trust.Verified{})
	assert.Equal(t, "allow", g.CheckInvocationAllowed(ctx, "search", ictxFor("search")).Verdict())
	assert.Equal(t, 0, g.WarningCount("search"))
	anchor.Set("search", trust.Pending{})
	assert.Equal(t, "warn", g.CheckInvocationAllowed(ctx, "search", ictxFor("search")).Verdict())
}

func TestZeroThresholdBlocksEveryWarning(t *testing.T) {
	g := newGate(t, Config{Policy: Permissive}, anchorReturning(trust.Pending{}, nil), nil)
	assert.IsType(t, Block{}, g.CheckInvocationAllowed(context.Background(), "search", ictxFor("search")))
}

func TestAnchorQueriedEveryInvocation(t *testing.T) {
	calls := 0
	anchor := trust.AnchorFunc(func(context.Context, string) (trust.VerificationStatus, error) {
		calls++
		return trust.Verified{}, nil
	})
	g := newGate(t, Config{Policy: Strict}, anchor, nil)
	for i := 0; i < 3; i++ {
		g.CheckInvocationAllowed(context.Background(), "search", ictxFor("search"))
	}
	assert.Equal(t, 3, calls)
}

// ============================================================================
// ENFORCED EXECUTION
// ============================================================================

// TestBlockNeverReachesExecutor walks the full policy x status x flag
// cross-product, including pathological tool names.
func TestBlockNeverReachesExecutor(t *testing.T) {
	policies := []EnforcementPolicy{Strict, Permissive, Development, Disabled}
	statuses := []trust.VerificationStatus{
		trust.Verified{}, trust.Failed{}, trust.Pending{}, trust.Skipped{}, nil, weirdStatus{},
	}
	names := []string{"search", "", " ", "../../etc/passwd", "search\x00"}

	for _, p := range policies {
		for _, s := range statuses {
			for mask := 0; mask < 8; mask++ {
				for _, maxWarn := range []int{0, 1} {
					for _, name := range names {
						cfg := Config{
							Policy:                      p,
							BlockFailedVerification:     mask&1 != 0,
							BlockPendingVerification:    mask&2 != 0,
							AllowSkippedInDev:           mask&4 != 0,
							MaxWarningsBeforeEscalation: maxWarn,
						}
						spy := &spyExecutor{}
						g := newGate(t, cfg, anchorReturning(s, nil), spy)
						ictx := ictxFor(name)
						ictx.Metadata["x-weird"] = "\xff\xfe"

						label := fmt.Sprintf("%s/%T/mask=%d/max=%d/name=%q", p, s, mask, maxWarn, name)
						for i := 0; i < 3; i++ {
							before := spy.count()
							ev := g.Evaluate(context.Background(), name, ictx)
							_, err := g.ExecuteToolWithEnforcement(context.Background(), name, ictx)
							if errors.Is(err, ErrInvocationBlocked) {
								assert.Equal(t, before, spy.count(), "%s: blocked call reached executor", label)
							} else {
								require.NoError(t, err, label)
								assert.Equal(t, before+1, spy.count(), label)
							}

							if p == Strict {
								if _, ok := s.(trust.Verified); !ok {
									assert.IsType(t, Block{}, ev.Decision, label)
									assert.ErrorIs(t, err, ErrInvocationBlocked, label)
								}
							}
							if p == Disabled {
								assert.IsType(t, Allow{}, ev.Decision, label)
								assert.NoError(t, err, label)
							}
						}
					}
				}
			}
		}
	}
}

func TestExecuteToolWithEnforcement(t *testing.T) {
	ctx := context.Background()

	t.Run("allow runs the tool", func(t *testing.T) {
		spy := &spyExecutor{}
		g := newGate(t, Config{Policy: Strict}, anchorReturning(trust.Verified{}, nil), spy)
		obs, err := g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))
		require.NoError(t, err)
		assert.Equal(t, "ran", obs.Result)
		assert.Equal(t, "call-1", obs.CallID)
		assert.Equal(t, 1, spy.count())
	})

	t.Run("block returns structured denial", func(t *testing.T) {
		spy := &spyExecutor{}
		g := newGate(t, Config{Policy: Strict}, anchorReturning(trust.Pending{}, nil), spy)
		obs, err := g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))

		var blocked *BlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, "search", blocked.Tool)
		assert.Equal(t, "verification pending", blocked.Reason)
		assert.True(t, obs.IsError)
		assert.Equal(t, 0, spy.count())
	})

	t.Run("warn is recorded before running", func(t *testing.T) {
		spy := &spyExecutor{}
		var got []int
		rec := recorderFunc(func(ctx context.Context, ictx action.InvocationContext, reason string, count int) error {
			// Each warning is recorded before its own execution.
			assert.Equal(t, len(got), spy.count())
			got = append(got, count)
			return nil
		})
		g := newGate(t, Config{Policy: Permissive, MaxWarningsBeforeEscalation: 3}, anchorReturning(trust.Pending{}, nil), spy, WithRecorder(rec))
		_, err := g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))
		require.NoError(t, err)
		_, err = g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, got)
		assert.Equal(t, 2, spy.count())
	})

	t.Run("unrecordable warn blocks", func(t *testing.T) {
		spy := &spyExecutor{}
		rec := recorderFunc(func(context.Context, action.InvocationContext, string, int) error {
			return errors.New("journal unavailable")
		})
		g := newGate(t, Config{Policy: Permissive, MaxWarningsBeforeEscalation: 3}, anchorReturning(trust.Pending{}, nil), spy, WithRecorder(rec))
		_, err := g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))
		assert.ErrorIs(t, err, ErrInvocationBlocked)
		assert.Equal(t, 0, spy.count())
	})

	t.Run("executor failure surfaces", func(t *testing.T) {
		spy := &spyExecutor{err: errors.New("transport down")}
		g := newGate(t, Config{Policy: Disabled}, nil, spy)
		obs, err := g.ExecuteToolWithEnforcement(ctx, "search", ictxFor("search"))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvocationBlocked)
		assert.True(t, obs.IsError)
	})
}

// ============================================================================
// CONFIGURATION
// ============================================================================

func TestConfigValidation(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Policy: Strict, MaxWarningsBeforeEscalation: -1}.Validate(), ErrInvalidConfig)
	assert.NoError(t, DefaultConfig().Validate())

	_, err := NewGate(Config{}, anchorReturning(trust.Verified{}, nil), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewGate(Config{Policy: Strict}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewGate(Config{Policy: Disabled}, nil, nil)
	assert.NoError(t, err)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]EnforcementPolicy{
		"strict": Strict, "Permissive": Permissive, "dev": Development, "development": Development, "disabled": Disabled,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		assert.True(t, got.Valid())
	}
	_, err := ParsePolicy("lenient")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "invalid", EnforcementPolicy(0).String())
}

func TestPermits(t *testing.T) {
	assert.True(t, Permits(Allow{}))
	assert.True(t, Permits(Warn{Reason: "x"}))
	assert.False(t, Permits(Block{Reason: "x"}))
	assert.False(t, Permits(nil))
}
