package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(clock *fakeClock) Config {
	return Config{
		FailureThreshold:  3,
		Window:            time.Minute,
		CoolDown:          10 * time.Second,
		MaxCoolDown:       35 * time.Second,
		BackoffMultiplier: 2,
		Clock:             clock.Now,
	}
}

func newTestRegistry(t *testing.T, clock *fakeClock) *Registry {
	t.Helper()
	r, err := NewRegistry(testConfig(clock), nil)
	require.NoError(t, err)
	return r
}

// ============================================================================
// STATE TRANSITIONS
// ============================================================================

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	for i := 0; i < 2; i++ {
		require.True(t, r.IsAvailable("search"))
		r.RecordFailure("search")
	}
	assert.Equal(t, StateClosed, r.State("search"))

	r.RecordFailure("search")
	assert.Equal(t, StateOpen, r.State("search"))
	assert.False(t, r.IsAvailable("search"))

	_, err := r.Admit("search")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsStreak(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure("search")
	r.RecordFailure("search")
	r.RecordSuccess("search")
	r.RecordFailure("search")
	r.RecordFailure("search")
	assert.Equal(t, StateClosed, r.State("search"))
}

func TestFailuresOutsideWindowRestartStreak(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure("search")
	r.RecordFailure("search")
	clock.Advance(2 * time.Minute)
	r.RecordFailure("search")
	assert.Equal(t, StateClosed, r.State("search"))
	assert.Equal(t, uint32(1), r.Get("search").Counts().ConsecutiveFailures)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripOpen(r, "search")

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, r.State("search"))

	require.True(t, r.IsAvailable("search"))
	assert.False(t, r.IsAvailable("search"), "only one probe may be in flight")

	r.RecordSuccess("search")
	assert.Equal(t, StateClosed, r.State("search"))
	assert.True(t, r.IsAvailable("search"))
}

func TestHalfOpenProbeFailureBacksOff(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripOpen(r, "search")

	clock.Advance(10 * time.Second)
	p, err := r.Admit("search")
	require.NoError(t, err)
	require.True(t, p.Probe())
	p.Done(false)

	assert.Equal(t, StateOpen, r.State("search"))
	assert.Equal(t, 20*time.Second, r.Get("search").Stats().CoolDown)

	clock.Advance(19 * time.Second)
	assert.Equal(t, StateOpen, r.State("search"))
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, r.State("search"))

	// second failed probe doubles to 40s, capped at 35s
	p, err = r.Admit("search")
	require.NoError(t, err)
	p.Done(false)
	assert.Equal(t, 35*time.Second, r.Get("search").Stats().CoolDown)

	clock.Advance(35 * time.Second)
	p, err = r.Admit("search")
	require.NoError(t, err)
	p.Done(true)
	assert.Equal(t, StateClosed, r.State("search"))
	assert.Equal(t, 10*time.Second, r.Get("search").Stats().CoolDown)
}

func TestReleasedProbeFreesSlot(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripOpen(r, "search")
	clock.Advance(10 * time.Second)

	p, err := r.Admit("search")
	require.NoError(t, err)
	_, err = r.Admit("search")
	require.ErrorIs(t, err, ErrProbeInFlight)

	p.Release()
	assert.Equal(t, StateHalfOpen, r.State("search"))
	p, err = r.Admit("search")
	require.NoError(t, err)
	assert.True(t, p.Probe())
}

func TestStalePermitIgnored(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	early, err := r.Admit("search")
	require.NoError(t, err)

	tripOpen(r, "search")
	clock.Advance(10 * time.Second)
	probe, err := r.Admit("search")
	require.NoError(t, err)

	// A success from before the trip must not close the breaker.
	early.Done(true)
	assert.Equal(t, StateHalfOpen, r.State("search"))

	probe.Done(true)
	assert.Equal(t, StateClosed, r.State("search"))
}

func TestToolsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripOpen(r, "search")

	assert.True(t, r.IsAvailable("fetch"))
	assert.Equal(t, StateClosed, r.State("unknown"))
	assert.ElementsMatch(t, []string{"search", "fetch"}, r.List())

	status, states := r.HealthStatus()
	assert.Equal(t, "degraded", status)
	assert.Equal(t, "OPEN", states["search"])
}

func TestStateChangeObserver(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	var transitions []string
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	r, err := NewRegistry(cfg, nil)
	require.NoError(t, err)

	tripOpen(r, "search")
	clock.Advance(10 * time.Second)
	r.RecordSuccess("search")

	assert.Equal(t, []string{
		"search:CLOSED->OPEN",
		"search:OPEN->HALF_OPEN",
		"search:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestConcurrentProbeAdmitsExactlyOne(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripOpen(r, "search")
	clock.Advance(10 * time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.IsAvailable("search") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.FailureThreshold = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.MaxCoolDown = time.Second
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.BackoffMultiplier = 0.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := NewRegistry(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func tripOpen(r *Registry, tool string) {
	for i := 0; i < 3; i++ {
		r.RecordFailure(tool)
	}
}
