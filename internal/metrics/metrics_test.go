package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("completed", 2, time.Second)
		m.RecordDecision("strict", "pending", "block")
		m.RecordAppend("started", 1, nil)
		m.RecordDrop("redis")
		m.SetBreakerState("search", 1)
	})
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDecision("strict", "pending", "block")
	m.RecordDecision("strict", "pending", "block")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("strict", "pending", "block")))

	m.RecordAppend("started", 7, nil)
	m.RecordAppend("started", 8, errors.New("disk full"))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.JournalSequence))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JournalAppends.WithLabelValues("started", "error")))

	m.SetBreakerState("search", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("search")))

	m.RecordTokens(10, 4)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("prompt")))
}
