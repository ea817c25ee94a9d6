package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ocx/agentloop/internal/circuitbreaker"
	"github.com/ocx/agentloop/internal/config"
	"github.com/ocx/agentloop/internal/executor"
	"github.com/ocx/agentloop/internal/inference"
	"github.com/ocx/agentloop/internal/infra"
	"github.com/ocx/agentloop/internal/journal"
	"github.com/ocx/agentloop/internal/journal/pubsubsink"
	"github.com/ocx/agentloop/internal/loop"
	"github.com/ocx/agentloop/internal/metrics"
	"github.com/ocx/agentloop/internal/opsapi"
	"github.com/ocx/agentloop/internal/policy"
	"github.com/ocx/agentloop/internal/tracing"
	"github.com/ocx/agentloop/internal/trust"
)

const (
	sinkDeliverTimeout = 5 * time.Second
	streamPollInterval = time.Second
)

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func openStore(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return journal.OpenSQLStore(ctx, journal.DialectSQLite, cfg.DSN)
	case "postgres":
		return journal.OpenSQLStore(ctx, journal.DialectPostgres, cfg.DSN)
	default:
		return journal.NewMemoryStore(), nil
	}
}

// runtime holds the process-wide components. Gates and runners are built
// per agent on top of it.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	tracing    *tracing.Provider
	journal    *journal.Journal
	redis      *infra.GoRedisAdapter
	hub        *opsapi.StreamHub
	breakers   *circuitbreaker.Registry
	dispatcher *executor.Dispatcher

	// stopStream ends the live feed before the journal closes.
	stopStream func()
	// closers release sink resources after the journal is closed.
	closers []func(context.Context) error
}

type runtimeOptions struct {
	// sinks subscribes the configured publishing sinks (redis, pubsub).
	sinks bool
	// stream starts the WebSocket hub fed from entries other processes
	// append, when journal.sinks.websocket is set.
	stream bool
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runtimeOptions) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(rt.registry)

	rt.tracing, err = tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	rt.tracing.InstallGlobal()

	store, err := openStore(ctx, cfg.Journal)
	if err != nil {
		return nil, err
	}
	rt.journal, err = journal.Open(ctx, store, journal.WithLogger(logger), journal.WithMetrics(rt.metrics))
	if err != nil {
		store.Close()
		return nil, err
	}

	if opts.sinks {
		if err := rt.subscribeSinks(ctx); err != nil {
			return nil, err
		}
	}
	if opts.stream && cfg.Journal.Sinks.WebSocket {
		if err := rt.startStream(ctx); err != nil {
			return nil, err
		}
	}

	bcfg := cfg.BreakerSettings()
	bcfg.OnStateChange = func(tool string, _, to circuitbreaker.State) {
		rt.metrics.SetBreakerState(tool, int(to))
	}
	rt.breakers, err = circuitbreaker.NewRegistry(bcfg, logger)
	if err != nil {
		return nil, err
	}

	rt.dispatcher = executor.NewDispatcher(0, logger)
	rt.dispatcher.Register("echo", executor.EchoHandler)
	rt.dispatcher.Register("clock", executor.ClockHandler)
	return rt, nil
}

func (rt *runtime) subscribeSinks(ctx context.Context) error {
	sinks := rt.cfg.Journal.Sinks
	buffer := rt.cfg.Journal.SinkBuffer

	if sinks.Redis.Addr != "" {
		adapter, err := rt.redisAdapter(ctx)
		if err != nil {
			return err
		}
		rt.journal.Subscribe(journal.NewRedisSink(adapter, sinks.Redis.Channel, sinks.Redis.PerRun), buffer, sinkDeliverTimeout)
	}

	if sinks.PubSub.ProjectID != "" {
		ps, err := pubsubsink.New(ctx, sinks.PubSub.ProjectID, sinks.PubSub.TopicID)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return ps.Close() })
		rt.journal.Subscribe(ps, buffer, sinkDeliverTimeout)
	}

	return nil
}

func (rt *runtime) redisAdapter(ctx context.Context) (*infra.GoRedisAdapter, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	rc := rt.cfg.Journal.Sinks.Redis
	adapter, err := infra.NewGoRedisAdapter(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	rt.redis = adapter
	rt.closers = append(rt.closers, func(context.Context) error { return adapter.Close() })
	return adapter, nil
}

// startStream runs the WebSocket hub and feeds it with entries appended by
// agent processes: relayed from the Redis sink channel when Redis is
// configured, polled from the shared store otherwise.
func (rt *runtime) startStream(ctx context.Context) error {
	hub := opsapi.NewStreamHub(rt.logger, nil)
	streamCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(streamCtx)
	}()
	unsubscribe := func() {}
	rt.stopStream = func() {
		unsubscribe()
		cancel()
		wg.Wait()
	}

	if rc := rt.cfg.Journal.Sinks.Redis; rc.Addr != "" {
		adapter, err := rt.redisAdapter(ctx)
		if err != nil {
			return err
		}
		channel := journal.NewRedisSink(adapter, rc.Channel, false).Channel()
		unsub, err := opsapi.RelayRedis(streamCtx, adapter, channel, hub, rt.logger)
		if err != nil {
			return err
		}
		unsubscribe = unsub
	} else {
		follower := opsapi.NewStoreFollower(rt.journal, hub, rt.journal.NextSequence()-1, streamPollInterval, rt.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			follower.Run(streamCtx)
		}()
	}
	rt.hub = hub
	return nil
}

// anchor builds the trust anchor for one agent.
func anchor(cfg *config.Config) (trust.Anchor, error) {
	if cfg.Trust.Mode == "http" {
		return trust.NewHTTPAnchor(cfg.Trust.URL, cfg.Agent.ID, cfg.Trust.Timeout), nil
	}
	statuses, err := cfg.StaticStatuses()
	if err != nil {
		return nil, err
	}
	a := trust.NewStaticAnchor(statuses)
	if cfg.Trust.Fallback != nil {
		fallback, err := cfg.Trust.Fallback.ToStatus()
		if err != nil {
			return nil, err
		}
		a = a.WithFallback(fallback)
	}
	return a, nil
}

// gate builds the enforcement gate for the resolved agent config. Its
// executor and warning recorder serve direct invocations; the runner
// dispatches and journals on its own.
func (rt *runtime) gate(agentCfg *config.Config) (*policy.Gate, error) {
	pcfg, err := agentCfg.EnforcementSettings()
	if err != nil {
		return nil, err
	}
	a, err := anchor(agentCfg)
	if err != nil {
		return nil, err
	}
	return policy.NewGate(pcfg, a, rt.dispatcher,
		policy.WithRecorder(journal.WarningRecorder{Journal: rt.journal}),
		policy.WithMetrics(rt.metrics),
		policy.WithLogger(rt.logger),
	)
}

// runner builds a loop runner for the resolved agent config.
func (rt *runtime) runner(agentCfg *config.Config, backend inference.Backend) (*loop.Runner, error) {
	gate, err := rt.gate(agentCfg)
	if err != nil {
		return nil, err
	}
	lcfg, err := agentCfg.LoopSettings()
	if err != nil {
		return nil, err
	}
	return loop.NewRunner(lcfg, backend, gate, rt.breakers, rt.dispatcher, rt.journal,
		loop.WithMetrics(rt.metrics),
		loop.WithTracer(rt.tracing.Tracer()),
		loop.WithLogger(rt.logger.With("agent_id", agentCfg.Agent.ID)),
	)
}

// toolSpecs advertises the dispatcher's tools to the backend.
func (rt *runtime) toolSpecs() []inference.ToolSpec {
	names := rt.dispatcher.Tools()
	specs := make([]inference.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, inference.ToolSpec{Name: name})
	}
	return specs
}

// Close stops the live feed, then the journal so sinks drain, then releases
// sink clients and flushes spans.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.stopStream != nil {
		rt.stopStream()
		rt.stopStream = nil
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		rt.journal = nil
	}
	for _, c := range rt.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := rt.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}
