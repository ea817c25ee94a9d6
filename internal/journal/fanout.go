package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSinkBuffer is the queue length given to sinks subscribed with a
// non-positive buffer.
const DefaultSinkBuffer = 100

// Sink receives committed entries in sequence order. Deliver runs on the
// sink's own goroutine and may block; a slow sink only loses its own entries.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Entry) error
}

// SinkStats reports delivery counters for one sink.
type SinkStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type subscriber struct {
	sink      Sink
	ch        chan Entry
	timeout   time.Duration
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	once      sync.Once
	done      chan struct{}
}

// Subscribe starts delivering entries committed from now on to sink.
// deliverTimeout bounds each Deliver call; zero means no bound.
func (j *Journal) Subscribe(sink Sink, buffer int, deliverTimeout time.Duration) {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	s := &subscriber{
		sink:    sink,
		ch:      make(chan Entry, buffer),
		timeout: deliverTimeout,
		done:    make(chan struct{}),
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.subs = append(j.subs, s)
	j.mu.Unlock()

	go s.run(j)
	j.logger.Info("journal sink subscribed", "sink", sink.Name(), "buffer", buffer)
}

// SinkStats returns counters for all subscribed sinks.
func (j *Journal) SinkStats() []SinkStats {
	j.mu.Lock()
	subs := make([]*subscriber, len(j.subs))
	copy(subs, j.subs)
	j.mu.Unlock()

	out := make([]SinkStats, 0, len(subs))
	for _, s := range subs {
		out = append(out, SinkStats{
			Name:      s.sink.Name(),
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Failed:    s.failed.Load(),
		})
	}
	return out
}

// fanout must be called with j.mu held so queues see entries in sequence
// order. It never blocks.
func (j *Journal) fanout(e Entry) {
	for _, s := range j.subs {
		select {
		case s.ch <- e:
		default:
			// Channel full, drop
			s.dropped.Add(1)
			j.metrics.RecordDrop(s.sink.Name())
		}
	}
}

func (s *subscriber) run(j *Journal) {
	defer close(s.done)
	for e := range s.ch {
		ctx := context.Background()
		cancel := func() {}
		if s.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		err := s.sink.Deliver(ctx, e)
		cancel()
		if err != nil {
			s.failed.Add(1)
			j.logger.Warn("journal sink delivery failed", "sink", s.sink.Name(), "seq", e.Seq, "error", err)
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.ch) })
	<-s.done
}

// ============================================================================
// IN-PROCESS SINKS
// ============================================================================

// FuncSink adapts a function to Sink.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, e Entry) error
}

func (f FuncSink) Name() string { return f.SinkName }

func (f FuncSink) Deliver(ctx context.Context, e Entry) error { return f.Fn(ctx, e) }

// ChannelSink hands entries to an in-process consumer through C.
type ChannelSink struct {
	name string
	c    chan Entry
}

// NewChannelSink creates a sink whose consumer reads from C. Deliver blocks
// until the consumer reads or the delivery deadline passes.
func NewChannelSink(name string, buffer int) *ChannelSink {
	return &ChannelSink{name: name, c: make(chan Entry, buffer)}
}

func (c *ChannelSink) Name() string { return c.name }

// C returns the consumer side.
func (c *ChannelSink) C() <-chan Entry { return c.c }

func (c *ChannelSink) Deliver(ctx context.Context, e Entry) error {
	select {
	case c.c <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
