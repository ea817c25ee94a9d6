// Package metrics holds the Prometheus collectors for the reasoning loop,
// the policy gate, the circuit breakers and the journal.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent loop. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Run metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	Iterations     *prometheus.HistogramVec
	TokensTotal    *prometheus.CounterVec
	InferenceCalls *prometheus.CounterVec

	// Gate metrics
	GateDecisions *prometheus.CounterVec
	Escalations   *prometheus.CounterVec

	// Executor metrics
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec

	// Journal metrics
	JournalAppends  *prometheus.CounterVec
	JournalDropped  *prometheus.CounterVec
	JournalSequence prometheus.Gauge
}

// New creates and registers all metrics with reg. A nil reg registers with
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_runs_total",
				Help: "Total number of reasoning runs by terminal status",
			},
			[]string{"status"}, // status: completed, terminated, failed
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_run_duration_seconds",
				Help:    "Wall-clock duration of reasoning runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		Iterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_run_iterations",
				Help:    "Iterations used per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tokens_total",
				Help: "Tokens consumed by inference calls",
			},
			[]string{"kind"}, // kind: prompt, completion
		),

		InferenceCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_inference_calls_total",
				Help: "Inference attempts by result",
			},
			[]string{"result"}, // result: ok, retry, error
		),

		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_gate_decisions_total",
				Help: "Policy gate decisions",
			},
			[]string{"policy", "status", "decision"},
		),

		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_gate_escalations_total",
				Help: "Warnings escalated to blocks after the per-tool threshold",
			},
			[]string{"tool"},
		),

		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_actions_total",
				Help: "Proposed tool calls by outcome",
			},
			[]string{"tool", "outcome"}, // outcome: executed, failed, blocked, circuit_open
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_action_duration_seconds",
				Help:    "Duration of executor batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"batch_size"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentloop_circuit_breaker_state",
				Help: "Circuit breaker state per tool (0=closed, 1=open, 2=half-open)",
			},
			[]string{"tool"},
		),

		JournalAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_journal_appends_total",
				Help: "Journal append attempts by event type and result",
			},
			[]string{"event", "result"},
		),

		JournalDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_journal_fanout_dropped_total",
				Help: "Journal entries dropped because a fan-out sink was full",
			},
			[]string{"sink"},
		),

		JournalSequence: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentloop_journal_sequence",
				Help: "Last committed journal sequence number",
			},
		),
	}
}

// RecordRun records a finished run
func (m *Metrics) RecordRun(status string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
	m.Iterations.WithLabelValues(status).Observe(float64(iterations))
}

// RecordTokens records inference token usage
func (m *Metrics) RecordTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
}

// RecordInference records one inference attempt
func (m *Metrics) RecordInference(result string) {
	if m == nil {
		return
	}
	m.InferenceCalls.WithLabelValues(result).Inc()
}

// RecordDecision records a gate decision
func (m *Metrics) RecordDecision(policy, status, decision string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(policy, status, decision).Inc()
}

// RecordEscalation records a warn escalated to block
func (m *Metrics) RecordEscalation(tool string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(tool).Inc()
}

// RecordAction records the outcome of one proposed tool call
func (m *Metrics) RecordAction(tool, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordBatch records the duration of one executor batch
func (m *Metrics) RecordBatch(size string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(size).Observe(d.Seconds())
}

// SetBreakerState records a breaker state by its numeric value
func (m *Metrics) SetBreakerState(tool string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(tool).Set(float64(state))
}

// RecordAppend records a journal append
func (m *Metrics) RecordAppend(event string, seq uint64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.JournalAppends.WithLabelValues(event, "error").Inc()
		return
	}
	m.JournalAppends.WithLabelValues(event, "ok").Inc()
	m.JournalSequence.Set(float64(seq))
}

// RecordDrop records a fan-out drop
func (m *Metrics) RecordDrop(sink string) {
	if m == nil {
		return
	}
	m.JournalDropped.WithLabelValues(sink).Inc()
}
