package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ocx/agentloop/internal/action"
	"github.com/ocx/agentloop/internal/circuitbreaker"
)

// ErrUnknownTool is reported for calls to tools the dispatcher has no
// handler for.
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs one tool call and returns its textual result.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

type registration struct {
	handler Handler
	limiter *rate.Limiter
}

// Dispatcher is an in-process ActionExecutor that routes calls to registered
// handlers. Batches run concurrently up to the configured limit.
type Dispatcher struct {
	mu          sync.RWMutex
	tools       map[string]registration
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher running at most concurrency calls at a
// time; zero or less means 4.
func NewDispatcher(concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tools:       make(map[string]registration),
		concurrency: concurrency,
		logger:      logger,
	}
}

// Register adds or replaces a handler.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[name] = registration{handler: h}
}

// RegisterLimited adds a handler with a token-bucket limit of perSecond calls
// and the given burst.
func (d *Dispatcher) RegisterLimited(name string, h Handler, perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[name] = registration{handler: h, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Tools lists registered tool names in sorted order.
func (d *Dispatcher) Tools() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) (registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.tools[name]
	return reg, ok
}

// Execute runs the batch and returns observations in batch order.
func (d *Dispatcher) Execute(ctx context.Context, batch []Invocation, opts Options) ([]action.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]action.Observation, len(batch))
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	// Tool errors become observations, so no goroutine fails the group.
	for i, inv := range batch {
		g.Go(func() error {
			results[i] = d.run(ctx, inv, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Dispatcher) run(ctx context.Context, inv Invocation, opts Options) (obs action.Observation) {
	call := inv.Call
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			obs = action.ErrorObservation(call, "tool %s panicked: %v", call.Name, r)
		}
		d.logger.Debug("tool executed", "tool", call.Name, "call_id", call.ID, "error", obs.IsError, "duration", time.Since(start))
	}()

	reg, ok := d.lookup(call.Name)
	if !ok {
		return action.ErrorObservation(call, "%v: %s", ErrUnknownTool, call.Name)
	}
	if opts.Breakers != nil && opts.Breakers.State(call.Name) == circuitbreaker.StateOpen {
		return action.ErrorObservation(call, "tool %s: %v", call.Name, circuitbreaker.ErrCircuitOpen)
	}

	if opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.CallTimeout)
		defer cancel()
	}

	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			return action.ErrorObservation(call, "tool %s rate limited: %v", call.Name, err)
		}
	}

	result, err := reg.handler(ctx, call.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return action.ErrorObservation(call, "tool %s timed out after %s", call.Name, opts.CallTimeout)
		}
		return action.ErrorObservation(call, "tool %s failed: %v", call.Name, err)
	}
	return action.Observation{ToolName: call.Name, CallID: call.ID, Result: result}
}

// EchoHandler returns its arguments unchanged. Useful for demos and tests.
func EchoHandler(_ context.Context, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	return string(args), nil
}

// ClockHandler reports the current UTC time.
func ClockHandler(_ context.Context, _ json.RawMessage) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

// FailingHandler always fails with msg.
func FailingHandler(msg string) Handler {
	return func(context.Context, json.RawMessage) (string, error) {
		return "", fmt.Errorf("%s", msg)
	}
}
