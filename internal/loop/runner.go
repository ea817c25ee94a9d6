package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/circuitbreaker"
	"github.com/ocx/agentloop/internal/conversation"
	"github.com/ocx/agentloop/internal/executor"
	"github.com/ocx/agentloop/internal/inference"
	"github.com/ocx/agentloop/internal/journal"
	"github.com/ocx/agentloop/internal/metrics"
	"github.com/ocx/agentloop/internal/policy"
)

const tracerName = "github.com/ocx/agentloop/internal/loop"

// Runner executes agent runs. One Runner may serve many concurrent runs;
// each run gets its own State. The gate, breaker registry and journal are
// shared between them.
type Runner struct {
	cfg      Config
	backend  inference.Backend
	gate     *policy.Gate
	breakers *circuitbreaker.Registry
	exec     executor.ActionExecutor
	journal  *journal.Journal
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer. The global otel tracer is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithIDGenerator replaces the run and call id generator.
func WithIDGenerator(f func() string) Option {
	return func(r *Runner) { r.newID = f }
}

// NewRunner validates cfg and wires the collaborators. backend is wrapped
// with the configured retry policy.
func NewRunner(cfg Config, backend inference.Backend, gate *policy.Gate, breakers *circuitbreaker.Registry, exec executor.ActionExecutor, j *journal.Journal, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case backend == nil:
		return nil, fmt.Errorf("%w: no inference backend", ErrInvalidConfig)
	case gate == nil:
		return nil, fmt.Errorf("%w: no policy gate", ErrInvalidConfig)
	case breakers == nil:
		return nil, fmt.Errorf("%w: no circuit breaker registry", ErrInvalidConfig)
	case exec == nil:
		return nil, fmt.Errorf("%w: no action executor", ErrInvalidConfig)
	case j == nil:
		return nil, fmt.Errorf("%w: no journal", ErrInvalidConfig)
	}
	if cfg.Counter == nil {
		cfg.Counter = conversation.HeuristicCounter{}
	}

	r := &Runner{
		cfg:      cfg,
		gate:     gate,
		breakers: breakers,
		exec:     exec,
		journal:  j,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}

	retry := cfg.Retry
	if retry.CallTimeout == 0 {
		retry.CallTimeout = cfg.CallTimeout
	}
	r.backend = inference.WithRetry(backend, retry, r.metrics, r.logger)
	return r, nil
}

// Run executes one run to completion. A run that ends Completed, Terminated
// or Failed on inference is reported through Result with a nil error. A
// non-nil error means the run could not start or its history could not be
// journaled; the Result then reports StatusFailed.
func (r *Runner) Run(ctx context.Context, in RunInput) (*Result, error) {
	runID := in.RunID
	if runID == "" {
		runID = r.newID()
	}

	conv := conversation.New(in.SystemPrompt)
	if err := conv.Append(conversation.Message{Role: conversation.RoleUser, Content: in.UserMessage}); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	st := &State{
		RunID:         runID,
		AgentID:       in.AgentID,
		MaxIterations: r.cfg.MaxIterations,
		Conversation:  conv,
		Status:        StatusRunning,
	}

	ctx, span := r.tracer.Start(ctx, "agentloop.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("agent.id", in.AgentID),
	))
	defer span.End()
	start := time.Now()

	r.logger.Info("run started", "run_id", runID, "agent_id", in.AgentID, "max_iterations", st.MaxIterations)
	err := r.record(ctx, st, journal.Started{
		SystemPrompt:  in.SystemPrompt,
		UserMessage:   in.UserMessage,
		MaxIterations: st.MaxIterations,
		Policy:        r.gate.Config().Policy.String(),
	})
	if err != nil {
		return r.abort(ctx, st, span, start, err)
	}
	return r.drive(ctx, st, in.Tools, span, start)
}

// Resume continues a run from its journaled history. Tool calls that were
// proposed but never folded back are closed with error observations before
// the next iteration. Runs that already ended are returned as they are.
func (r *Runner) Resume(ctx context.Context, runID string, tools []inference.ToolSpec) (*Result, error) {
	entries, err := r.journal.Run(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	st, err := Replay(entries)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if st.Status != StatusRunning {
		return st.Summary(0), nil
	}
	if st.MaxIterations <= 0 {
		st.MaxIterations = r.cfg.MaxIterations
	}

	ctx, span := r.tracer.Start(ctx, "agentloop.resume", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("iteration", st.Iteration),
	))
	defer span.End()
	start := time.Now()

	r.logger.Info("run resumed", "run_id", runID, "iteration", st.Iteration, "interrupted_calls", len(st.pending))
	for _, call := range st.pending {
		obs := action.ErrorObservation(call, "not executed: run interrupted")
		if err := r.fold(ctx, st, obs, journal.OutcomeFailed, 0); err != nil {
			return r.abort(ctx, st, span, start, err)
		}
	}
	st.pending = nil
	return r.drive(ctx, st, tools, span, start)
}

func (r *Runner) drive(ctx context.Context, st *State, tools []inference.ToolSpec, span trace.Span, start time.Time) (*Result, error) {
	for st.Status == StatusRunning {
		if ctx.Err() != nil {
			if err := r.terminate(ctx, st, ReasonCancelled); err != nil {
				return r.abort(ctx, st, span, start, err)
			}
			break
		}
		if st.Iteration+1 > st.MaxIterations {
			if err := r.terminate(ctx, st, ReasonMaxIterations); err != nil {
				return r.abort(ctx, st, span, start, err)
			}
			break
		}

		st.Iteration++
		if err := r.record(ctx, st, journal.IterationBegan{Iteration: st.Iteration}); err != nil {
			return r.abort(ctx, st, span, start, err)
		}
		if err := r.iterate(ctx, st, tools); err != nil {
			return r.abort(ctx, st, span, start, err)
		}
	}
	return r.finish(st, span, start), nil
}

// iterate runs one reason/gate/act cycle. It returns an error only when the
// journal rejects a write.
func (r *Runner) iterate(ctx context.Context, st *State, tools []inference.ToolSpec) error {
	ctx, span := r.tracer.Start(ctx, "agentloop.iteration", trace.WithAttributes(attribute.Int("iteration", st.Iteration)))
	defer span.End()

	resp, err := r.reason(ctx, st, tools)
	if err != nil {
		if ctx.Err() != nil {
			return r.terminate(ctx, st, ReasonCancelled)
		}
		r.logger.Error("inference failed", "run_id", st.RunID, "iteration", st.Iteration, "error", err)
		return r.fail(ctx, st, err.Error())
	}
	st.Usage = st.Usage.Add(resp.Usage)
	r.metrics.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if final, ok := resp.Final(); ok {
		msg := conversation.Message{Role: conversation.RoleAssistant, Content: final.Content}
		if err := msg.Validate(); err != nil {
			return r.fail(ctx, st, err.Error())
		}
		err := r.record(ctx, st, journal.Reasoned{
			Content:  final.Content,
			Final:    true,
			Usage:    resp.Usage,
			Attempts: resp.Attempts,
		})
		if err != nil {
			return err
		}
		if err := st.Conversation.Append(msg); err != nil {
			return r.fail(ctx, st, err.Error())
		}
		if err := r.record(ctx, st, journal.Completed{Answer: final.Content}); err != nil {
			return err
		}
		st.Status = StatusCompleted
		st.Answer = final.Content
		return nil
	}

	calls := r.normalize(resp.ToolCalls())
	msg := conversation.Message{Role: conversation.RoleAssistant, Content: resp.Content, ToolCalls: calls}
	if err := msg.Validate(); err != nil {
		return r.fail(ctx, st, err.Error())
	}
	err = r.record(ctx, st, journal.Reasoned{
		Content:   resp.Content,
		ToolCalls: calls,
		Usage:     resp.Usage,
		Attempts:  resp.Attempts,
	})
	if err != nil {
		return err
	}
	if err := st.Conversation.Append(msg); err != nil {
		return r.fail(ctx, st, err.Error())
	}
	return r.act(ctx, st, calls)
}

func (r *Runner) reason(ctx context.Context, st *State, tools []inference.ToolSpec) (inference.Response, error) {
	ctx, span := r.tracer.Start(ctx, "agentloop.inference")
	defer span.End()

	req := inference.Request{
		Messages:       st.Conversation.Window(r.cfg.ContextBudget, r.cfg.Counter),
		Tools:          tools,
		ResponseFormat: r.cfg.ResponseFormat,
	}
	resp, err := r.backend.Infer(ctx, req)
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(
		attribute.Int("inference.attempts", resp.Attempts),
		attribute.Int("inference.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("inference.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}

// normalize gives every call a unique id and well-formed JSON arguments.
// Arguments that are not valid JSON are carried as a JSON string.
func (r *Runner) normalize(calls []action.ToolCall) []action.ToolCall {
	out := make([]action.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = r.newID()
		}
		seen[c.ID] = true
		if len(c.Arguments) > 0 && !json.Valid(c.Arguments) {
			quoted, _ := json.Marshal(string(c.Arguments))
			c.Arguments = quoted
		}
		out[i] = c
	}
	return out
}

// slot tracks one proposed call through gating and acting.
type slot struct {
	call     action.ToolCall
	obs      action.Observation
	outcome  journal.Outcome
	permit   circuitbreaker.Permit
	admitted bool
}

func (r *Runner) act(ctx context.Context, st *State, calls []action.ToolCall) error {
	slots := make([]slot, len(calls))
	var batch []executor.Invocation
	var admitted []int

	releaseAll := func() {
		for _, i := range admitted {
			slots[i].permit.Release()
		}
	}

	for i, call := range calls {
		slots[i].call = call
		if err := r.record(ctx, st, journal.ActionProposed{Call: call}); err != nil {
			releaseAll()
			return err
		}

		ictx := action.NewInvocationContext(st.AgentID, st.RunID, call)
		ictx.Metadata[journal.MetaIteration] = strconv.Itoa(st.Iteration)

		ev := r.gate.Evaluate(ctx, call.Name, ictx)
		err := r.record(ctx, st, journal.PolicyDecided{
			CallID:   call.ID,
			Tool:     call.Name,
			Decision: ev.Decision.Verdict(),
			Reason:   policy.Reason(ev.Decision),
			Status:   ev.StatusKind(),
		})
		if err != nil {
			releaseAll()
			return err
		}
		if w, ok := ev.Decision.(policy.Warn); ok {
			err := r.record(ctx, st, journal.PolicyWarning{CallID: call.ID, Tool: call.Name, Reason: w.Reason, Count: ev.WarningCount})
			if err != nil {
				releaseAll()
				return err
			}
		}

		if !policy.Permits(ev.Decision) {
			slots[i].obs = action.ErrorObservation(call, "blocked by policy: %s", policy.Reason(ev.Decision))
			slots[i].outcome = journal.OutcomeBlocked
			continue
		}

		permit, err := r.breakers.Admit(call.Name)
		if err != nil {
			slots[i].obs = action.ErrorObservation(call, "not executed: %v", err)
			slots[i].outcome = journal.OutcomeCircuitOpen
			continue
		}
		slots[i].permit = permit
		slots[i].admitted = true
		admitted = append(admitted, i)
		batch = append(batch, executor.Invocation{Call: call, Context: ictx})
	}

	var elapsed time.Duration
	if len(batch) > 0 {
		if ctx.Err() != nil {
			releaseAll()
			for _, i := range admitted {
				slots[i].obs = action.ErrorObservation(slots[i].call, "not executed: run cancelled")
				slots[i].outcome = journal.OutcomeFailed
			}
		} else {
			var observations []action.Observation
			var err error
			observations, elapsed, err = r.dispatch(ctx, st, batch)
			for j, i := range admitted {
				switch {
				case err != nil:
					if ctx.Err() != nil {
						slots[i].permit.Release()
					} else {
						slots[i].permit.Done(false)
					}
					slots[i].obs = action.ErrorObservation(slots[i].call, "executor failed: %v", err)
					slots[i].outcome = journal.OutcomeFailed
				default:
					obs := observations[j]
					slots[i].permit.Done(!obs.IsError)
					slots[i].obs = obs
					slots[i].outcome = journal.OutcomeExecuted
					if obs.IsError {
						slots[i].outcome = journal.OutcomeFailed
					}
				}
			}
		}
	}

	for _, s := range slots {
		d := time.Duration(0)
		if s.admitted {
			d = elapsed
		}
		if err := r.fold(ctx, st, s.obs, s.outcome, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, st *State, batch []executor.Invocation) ([]action.Observation, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, "agentloop.dispatch", trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	start := time.Now()
	observations, err := r.exec.Execute(ctx, batch, executor.Options{CallTimeout: r.cfg.CallTimeout, Breakers: r.breakers})
	elapsed := time.Since(start)
	r.metrics.RecordBatch(strconv.Itoa(len(batch)), elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("executor failed", "run_id", st.RunID, "iteration", st.Iteration, "batch", len(batch), "error", err)
		return nil, elapsed, err
	}
	return executor.Correlate(batch, observations), elapsed, nil
}

// fold journals one observation and appends it to the conversation.
func (r *Runner) fold(ctx context.Context, st *State, obs action.Observation, outcome journal.Outcome, d time.Duration) error {
	err := r.record(ctx, st, journal.ActionExecuted{
		CallID:     obs.CallID,
		Tool:       obs.ToolName,
		Outcome:    outcome,
		Result:     obs.Result,
		IsError:    obs.IsError,
		DurationMS: d.Milliseconds(),
	})
	if err != nil {
		return err
	}
	r.metrics.RecordAction(obs.ToolName, string(outcome))
	if err := st.Conversation.Append(conversation.ToolResult(obs)); err != nil {
		return r.fail(ctx, st, err.Error())
	}
	return nil
}

// record journals ev for st. Journaling is not interrupted by cancellation
// of the run.
func (r *Runner) record(ctx context.Context, st *State, ev journal.Event) error {
	meta := journal.Meta{RunID: st.RunID, AgentID: st.AgentID, Iteration: st.Iteration}
	if _, err := r.journal.Append(context.WithoutCancel(ctx), meta, ev); err != nil {
		return fmt.Errorf("%w: journal %s: %w", ErrRunFailed, ev.Type(), err)
	}
	return nil
}

func (r *Runner) terminate(ctx context.Context, st *State, reason string) error {
	if err := r.record(ctx, st, journal.Terminated{Reason: reason}); err != nil {
		return err
	}
	st.Status = StatusTerminated
	st.Reason = reason
	return nil
}

func (r *Runner) fail(ctx context.Context, st *State, reason string) error {
	if err := r.record(ctx, st, journal.Failed{Reason: reason}); err != nil {
		return err
	}
	st.Status = StatusFailed
	st.Reason = reason
	return nil
}

// abort ends a run whose history could not be journaled. Recording the
// failure itself is attempted once.
func (r *Runner) abort(ctx context.Context, st *State, span trace.Span, start time.Time, err error) (*Result, error) {
	st.Status = StatusFailed
	st.Reason = err.Error()
	_, _ = r.journal.Append(context.WithoutCancel(ctx), journal.Meta{RunID: st.RunID, AgentID: st.AgentID, Iteration: st.Iteration}, journal.Failed{Reason: st.Reason})
	r.journal.Forget(st.RunID)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("run aborted", "run_id", st.RunID, "iteration", st.Iteration, "error", err)

	d := time.Since(start)
	r.metrics.RecordRun(st.Status.String(), st.Iteration, d)
	return st.Summary(d), err
}

func (r *Runner) finish(st *State, span trace.Span, start time.Time) *Result {
	d := time.Since(start)
	span.SetAttributes(
		attribute.String("run.status", st.Status.String()),
		attribute.Int("run.iterations", st.Iteration),
	)
	if st.Status == StatusFailed {
		span.SetStatus(codes.Error, st.Reason)
	}
	r.journal.Forget(st.RunID)
	r.metrics.RecordRun(st.Status.String(), st.Iteration, d)
	r.logger.Info("run finished", "run_id", st.RunID, "status", st.Status.String(), "reason", st.Reason, "iterations", st.Iteration, "tokens", st.Usage.TotalTokens(), "duration", d)
	return st.Summary(d)
}
