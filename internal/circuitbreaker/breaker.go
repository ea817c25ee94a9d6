// Package circuitbreaker implements per-tool circuit breakers for the
// reasoning loop. A tool that keeps failing is taken out of rotation for a
// cool-down period and then probed with a single call before being trusted
// again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Failure threshold exceeded, calls rejected
	StateHalfOpen              // Cool-down elapsed, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Common errors
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("circuit breaker probe already in flight")
	ErrInvalidConfig = errors.New("invalid circuit breaker config")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold consecutive failures trip the breaker
	FailureThreshold uint32

	// Window bounds a failure streak; a failure older than Window restarts it.
	// Zero disables the bound.
	Window time.Duration

	// CoolDown is the first open period before a probe is allowed
	CoolDown time.Duration

	// MaxCoolDown caps the cool-down after repeated failed probes
	MaxCoolDown time.Duration

	// BackoffMultiplier grows the cool-down after each failed probe
	BackoffMultiplier float64

	// OnStateChange is called whenever a breaker changes state, with the
	// breaker's lock held. It must not call back into the breaker.
	OnStateChange func(name string, from State, to State)

	// Clock overrides time.Now
	Clock func() time.Time
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		CoolDown:          30 * time.Second,
		MaxCoolDown:       10 * time.Minute,
		BackoffMultiplier: 2,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("%w: failure threshold must be positive", ErrInvalidConfig)
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("%w: cool-down must be positive", ErrInvalidConfig)
	}
	if c.MaxCoolDown != 0 && c.MaxCoolDown < c.CoolDown {
		return fmt.Errorf("%w: max cool-down %s below cool-down %s", ErrInvalidConfig, c.MaxCoolDown, c.CoolDown)
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Window < 0 {
		return fmt.Errorf("%w: negative window", ErrInvalidConfig)
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds call outcome counts for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Clear resets all counts
func (c *Counts) Clear() {
	*c = Counts{}
}

// OnSuccess records a successful call
func (c *Counts) OnSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed call
func (c *Counts) OnFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker guards a single tool
type CircuitBreaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	streakStart   time.Time
	openUntil     time.Time
	coolDown      time.Duration
	probeInFlight bool
	trips         uint64
	lastStateTime time.Time
}

// New creates a closed circuit breaker
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		coolDown:      cfg.CoolDown,
		lastStateTime: cfg.now(),
	}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.cfg.now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Permit is an admission ticket for one call. Its outcome is ignored if the
// breaker changed generation while the call was in flight, except for the
// half-open probe it was issued as.
type Permit struct {
	cb         *CircuitBreaker
	generation uint64
	probe      bool
}

// Probe reports whether this permit is the half-open probe.
func (p Permit) Probe() bool { return p.probe }

// Done records the call outcome.
func (p Permit) Done(success bool) {
	if p.cb == nil {
		return
	}
	p.cb.afterRequest(p.generation, p.probe, success)
}

// Release gives the permit back without recording an outcome, for calls
// that were admitted but never made.
func (p Permit) Release() {
	if p.cb == nil || !p.probe {
		return
	}
	p.cb.mu.Lock()
	defer p.cb.mu.Unlock()
	if _, current := p.cb.currentState(p.cb.cfg.now()); current == p.generation {
		p.cb.probeInFlight = false
	}
}

// Admit asks to run one call. In half-open state exactly one caller gets a
// probe permit; others get ErrProbeInFlight until it is recorded.
func (cb *CircuitBreaker) Admit() (Permit, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.cfg.now())
	switch state {
	case StateOpen:
		return Permit{}, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probeInFlight {
			return Permit{}, ErrProbeInFlight
		}
		cb.probeInFlight = true
		return Permit{cb: cb, generation: generation, probe: true}, nil
	}
	return Permit{cb: cb, generation: generation}, nil
}

// IsAvailable reports whether a call may run now. In half-open state a true
// answer reserves the single probe slot, and the caller must record the
// outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) IsAvailable() bool {
	_, err := cb.Admit()
	return err == nil
}

// RecordSuccess records a successful call in the current generation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(true)
}

// RecordFailure records a failed call in the current generation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(false)
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	state, _ := cb.currentState(now)
	cb.apply(state, state == StateHalfOpen, success, now)
}

func (cb *CircuitBreaker) afterRequest(generation uint64, probe, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	state, current := cb.currentState(now)

	// Ignore stale results
	if generation != current {
		return
	}
	cb.apply(state, probe, success, now)
}

func (cb *CircuitBreaker) apply(state State, probe, success bool, now time.Time) {
	switch state {
	case StateClosed:
		if success {
			cb.counts.OnSuccess()
			return
		}
		if cb.counts.ConsecutiveFailures > 0 && cb.cfg.Window > 0 && now.Sub(cb.streakStart) > cb.cfg.Window {
			cb.counts.ConsecutiveFailures = 0
		}
		if cb.counts.ConsecutiveFailures == 0 {
			cb.streakStart = now
		}
		cb.counts.OnFailure()
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.coolDown = cb.cfg.CoolDown
			cb.setState(StateOpen, now)
		}

	case StateHalfOpen:
		if !probe {
			return
		}
		cb.probeInFlight = false
		if success {
			cb.coolDown = cb.cfg.CoolDown
			cb.setState(StateClosed, now)
			return
		}
		cb.coolDown = cb.nextCoolDown()
		cb.setState(StateOpen, now)

	case StateOpen:
		// Late results from calls admitted before the trip don't change anything.
	}
}

func (cb *CircuitBreaker) nextCoolDown() time.Duration {
	mult := cb.cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(cb.coolDown) * mult)
	if cb.cfg.MaxCoolDown > 0 && next > cb.cfg.MaxCoolDown {
		next = cb.cfg.MaxCoolDown
	}
	return next
}

// currentState returns the current state and possibly updates it
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.lastStateTime = now

	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, prevState, state)
	}
}

// toNewGeneration starts a new generation
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()
	cb.probeInFlight = false

	cb.openUntil = time.Time{}
	if cb.state == StateOpen {
		cb.trips++
		cb.openUntil = now.Add(cb.coolDown)
	}
}

// Stats returns a point-in-time view of the breaker
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.cfg.now())
	return Stats{
		Name:          cb.name,
		State:         state,
		Counts:        cb.counts,
		CoolDown:      cb.coolDown,
		OpenUntil:     cb.openUntil,
		Trips:         cb.trips,
		ProbeInFlight: cb.probeInFlight,
		Since:         cb.lastStateTime,
	}
}

// Stats contains stats for a single circuit breaker
type Stats struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	Counts        Counts        `json:"counts"`
	CoolDown      time.Duration `json:"cool_down_ns"`
	OpenUntil     time.Time     `json:"open_until,omitempty"`
	Trips         uint64        `json:"trips"`
	ProbeInFlight bool          `json:"probe_in_flight"`
	Since         time.Time     `json:"since"`
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry holds one breaker per tool name and is shared across runs
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates a registry whose breakers share cfg
func NewRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}

	observer := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		r.logger.Log(context.Background(), level, "circuit breaker state change", "tool", name, "from", from.String(), "to", to.String())
		if observer != nil {
			observer(name, from, to)
		}
	}
	r.cfg = cfg
	return r, nil
}

// Get returns the breaker for tool, creating it if necessary
func (r *Registry) Get(tool string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[tool]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[tool]; exists {
		return cb
	}

	cb = New(tool, r.cfg)
	r.breakers[tool] = cb
	return cb
}

// IsAvailable reports whether tool may be called now. See CircuitBreaker.IsAvailable.
func (r *Registry) IsAvailable(tool string) bool {
	return r.Get(tool).IsAvailable()
}

// Admit requests a permit for one call to tool.
func (r *Registry) Admit(tool string) (Permit, error) {
	p, err := r.Get(tool).Admit()
	if err != nil {
		return p, fmt.Errorf("tool %s: %w", tool, err)
	}
	return p, nil
}

// RecordSuccess records a successful call to tool.
func (r *Registry) RecordSuccess(tool string) {
	r.Get(tool).RecordSuccess()
}

// RecordFailure records a failed call to tool.
func (r *Registry) RecordFailure(tool string) {
	r.Get(tool).RecordFailure()
}

// State returns tool's breaker state. Unknown tools are closed.
func (r *Registry) State(tool string) State {
	r.mu.RLock()
	cb, ok := r.breakers[tool]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// List returns all known tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns statistics for all breakers
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for _, cb := range breakers {
		s := cb.Stats()
		stats[s.Name] = s
	}
	return stats
}

// HealthStatus returns overall health based on breaker states
func (r *Registry) HealthStatus() (string, map[string]string) {
	statuses := make(map[string]string)
	healthy := true
	for name, stat := range r.Stats() {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "healthy", statuses
	}
	return "degraded", statuses
}
