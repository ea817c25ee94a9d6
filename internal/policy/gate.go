package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/executor"
	"github.com/ocx/agentloop/internal/metrics"
	"github.com/ocx/agentloop/internal/trust"
)

// WarningRecorder durably records Warn decisions made by
// ExecuteToolWithEnforcement.
type WarningRecorder interface {
	RecordWarning(ctx context.Context, ictx action.InvocationContext, reason string, count int) error
}

// Evaluation is a decision plus what it was based on.
type Evaluation struct {
	Decision     Decision
	Status       trust.VerificationStatus
	WarningCount int
	Escalated    bool
}

// StatusKind names the verification status, or "none" when it was not
// obtained.
func (e Evaluation) StatusKind() string {
	if e.Status == nil {
		return "none"
	}
	return e.Status.Kind()
}

// Gate mediates every tool invocation. Warning counters are kept per tool
// name and shared by all runs using the gate.
type Gate struct {
	cfg      Config
	anchor   trust.Anchor
	exec     executor.ActionExecutor
	recorder WarningRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	warnings map[string]int
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRecorder sets where enforced executions record warnings.
func WithRecorder(r WarningRecorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate validates cfg and builds a gate. The anchor may be nil only under
// the Disabled policy. exec may be nil when the gate is used for decisions
// only.
func NewGate(cfg Config, anchor trust.Anchor, exec executor.ActionExecutor, opts ...GateOption) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if anchor == nil && cfg.Policy != Disabled {
		return nil, fmt.Errorf("%w: %s policy requires a trust anchor", ErrInvalidConfig, cfg.Policy)
	}

	g := &Gate{
		cfg:      cfg,
		anchor:   anchor,
		exec:     exec,
		logger:   slog.Default(),
		warnings: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the gate's configuration.
func (g *Gate) Config() Config { return g.cfg }

// CheckInvocationAllowed decides whether tool may run for ictx.
func (g *Gate) CheckInvocationAllowed(ctx context.Context, tool string, ictx action.InvocationContext) Decision {
	return g.Evaluate(ctx, tool, ictx).Decision
}

// Evaluate is CheckInvocationAllowed with the inputs of the decision.
func (g *Gate) Evaluate(ctx context.Context, tool string, ictx action.InvocationContext) Evaluation {
	if g == nil {
		return Evaluation{Decision: Block{Reason: "no policy gate"}}
	}
	ev := g.evaluate(ctx, tool, ictx)
	g.metrics.RecordDecision(g.cfg.Policy.String(), ev.StatusKind(), ev.Decision.Verdict())

	logger := g.logger
	if logger == nil {
		logger = slog.Default()
	}
	switch d := ev.Decision.(type) {
	case Block:
		logger.Warn("invocation blocked", "tool", tool, "agent_id", ictx.AgentID, "policy", g.cfg.Policy.String(), "status", ev.StatusKind(), "reason", d.Reason)
	case Warn:
		logger.Info("invocation allowed with warning", "tool", tool, "agent_id", ictx.AgentID, "count", ev.WarningCount, "reason", d.Reason)
	}
	return ev
}

func (g *Gate) evaluate(ctx context.Context, tool string, ictx action.InvocationContext) Evaluation {
	if !g.cfg.Policy.Valid() {
		return Evaluation{Decision: Block{Reason: "enforcement policy not configured"}}
	}
	if g.cfg.Policy == Disabled {
		return Evaluation{Decision: Allow{}}
	}
	if strings.TrimSpace(tool) == "" {
		return Evaluation{Decision: Block{Reason: "empty tool name"}}
	}
	if ictx.ToolName != "" && ictx.ToolName != tool {
		return Evaluation{Decision: Block{Reason: fmt.Sprintf("invocation context names tool %q", ictx.ToolName)}}
	}
	if g.anchor == nil {
		return Evaluation{Decision: Block{Reason: "no trust anchor"}}
	}

	status, err := g.lookup(ctx, tool)
	if err != nil {
		return Evaluation{Decision: Block{Reason: fmt.Sprintf("verification status unavailable: %v", err)}}
	}

	ev := Evaluation{Status: status}
	strict := g.cfg.Policy == Strict

	switch s := status.(type) {
	case trust.Verified:
		g.resetWarnings(tool)
		ev.Decision = Allow{}
	case trust.Failed:
		reason := "verification failed"
		if s.Reason != "" {
			reason += ": " + s.Reason
		}
		if strict || g.cfg.BlockFailedVerification {
			ev.Decision = Block{Reason: reason}
		} else {
			g.warn(tool, reason, &ev)
		}
	case trust.Pending:
		reason := "verification pending"
		if strict || g.cfg.BlockPendingVerification {
			ev.Decision = Block{Reason: reason}
		} else {
			g.warn(tool, reason, &ev)
		}
	case trust.Skipped:
		reason := "verification skipped"
		if s.Reason != "" {
			reason += ": " + s.Reason
		}
		switch {
		case strict:
			ev.Decision = Block{Reason: reason}
		case g.cfg.Policy == Development && g.cfg.AllowSkippedInDev:
			ev.Decision = Allow{}
		default:
			g.warn(tool, reason, &ev)
		}
	default:
		ev.Decision = Block{Reason: fmt.Sprintf("unrecognized verification status %T", status)}
	}
	return ev
}

// lookup queries the anchor, turning a panic into an error.
func (g *Gate) lookup(ctx context.Context, tool string) (status trust.VerificationStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = nil, fmt.Errorf("trust anchor panicked: %v", r)
		}
	}()
	return g.anchor.Status(ctx, tool)
}

// warn applies the escalation threshold: with threshold N the first N
// consecutive warn-eligible calls for a tool are Warn and the rest Block.
func (g *Gate) warn(tool, reason string, ev *Evaluation) {
	g.mu.Lock()
	count := g.warnings[tool]
	if count >= g.cfg.MaxWarningsBeforeEscalation {
		g.mu.Unlock()
		ev.Decision = Block{Reason: fmt.Sprintf("%s (escalated after %d warnings)", reason, count)}
		ev.WarningCount = count
		ev.Escalated = true
		g.metrics.RecordEscalation(tool)
		return
	}
	count++
	g.warnings[tool] = count
	g.mu.Unlock()

	ev.Decision = Warn{Reason: reason}
	ev.WarningCount = count
}

func (g *Gate) resetWarnings(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.warnings, tool)
}

// WarningCount returns tool's current consecutive warning count.
func (g *Gate) WarningCount(tool string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.warnings[tool]
}

// ExecuteToolWithEnforcement checks tool and, only if permitted, runs it as
// a batch of one. A blocked invocation returns a *BlockedError (matching
// ErrInvocationBlocked) and never reaches the executor. A Warn that cannot
// be recorded is treated as a block.
func (g *Gate) ExecuteToolWithEnforcement(ctx context.Context, tool string, ictx action.InvocationContext) (action.Observation, error) {
	if ictx.ToolName == "" {
		ictx.ToolName = tool
	}
	call := ictx.Call()

	ev := g.Evaluate(ctx, tool, ictx)
	switch d := ev.Decision.(type) {
	case Allow:
	case Warn:
		if g.recorder != nil {
			if err := g.recorder.RecordWarning(ctx, ictx, d.Reason, ev.WarningCount); err != nil {
				reason := fmt.Sprintf("warning could not be recorded: %v", err)
				return action.ErrorObservation(call, "%s", reason), &BlockedError{Tool: tool, Reason: reason}
			}
		}
	case Block:
		return action.ErrorObservation(call, "blocked by policy: %s", d.Reason), &BlockedError{Tool: tool, Reason: d.Reason}
	default:
		return action.ErrorObservation(call, "blocked by policy"), &BlockedError{Tool: tool, Reason: "unrecognized decision"}
	}

	if g.exec == nil {
		return action.ErrorObservation(call, "no executor configured"), fmt.Errorf("execute %s: no executor configured", tool)
	}

	batch := []executor.Invocation{{Call: call, Context: ictx}}
	observations, err := g.exec.Execute(ctx, batch, executor.Options{})
	if err != nil {
		return action.ErrorObservation(call, "executor failed: %v", err), fmt.Errorf("execute %s: %w", tool, err)
	}
	return executor.Correlate(batch, observations)[0], nil
}
