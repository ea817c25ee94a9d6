package opsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ocx/agentloop/internal/journal"
)

// The inspection server does not run agents itself, so the entries its
// stream hub broadcasts come from other processes: either relayed from the
// Redis sink channel or read back from the shared journal store.

// Subscriber is the Redis capability the relay needs.
// infra.GoRedisAdapter satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// RelayRedis decodes entries published on channel by a journal.RedisSink and
// delivers them to sink until the returned func is called.
func RelayRedis(ctx context.Context, sub Subscriber, channel string, sink journal.Sink, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	unsubscribe, err := sub.Subscribe(ctx, channel, func(msg []byte) {
		var e journal.Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			logger.Warn("dropping undecodable journal message", "channel", channel, "error", err)
			return
		}
		if err := sink.Deliver(ctx, e); err != nil {
			logger.Debug("relayed entry not delivered", "sink", sink.Name(), "seq", e.Seq, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info("relaying journal stream from redis", "channel", channel)
	return unsubscribe, nil
}

// EntryReader reads committed entries. *journal.Journal satisfies it.
type EntryReader interface {
	Entries(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// StoreFollower polls a journal store for entries appended after a given
// sequence and delivers them to a sink in order.
type StoreFollower struct {
	reader   EntryReader
	sink     journal.Sink
	after    uint64
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewStoreFollower follows entries with Seq greater than after.
func NewStoreFollower(reader EntryReader, sink journal.Sink, after uint64, interval time.Duration, logger *slog.Logger) *StoreFollower {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreFollower{reader: reader, sink: sink, after: after, interval: interval, batch: 256, logger: logger}
}

// Run polls until ctx is done.
func (f *StoreFollower) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("journal follow failed", "after_seq", f.after, "error", err)
			}
		}
	}
}

// Poll delivers every entry committed since the last poll.
func (f *StoreFollower) Poll(ctx context.Context) error {
	for {
		entries, err := f.reader.Entries(ctx, journal.Query{AfterSeq: f.after, Limit: f.batch})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := f.sink.Deliver(ctx, e); err != nil {
				f.logger.Debug("followed entry not delivered", "sink", f.sink.Name(), "seq", e.Seq, "error", err)
			}
			f.after = e.Seq
		}
		if len(entries) < f.batch {
			return nil
		}
	}
}

// After is the last sequence handed to the sink.
func (f *StoreFollower) After() uint64 { return f.after }
