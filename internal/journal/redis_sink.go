package journal

import (
	"context"
	"encoding/json"
	"fmt"
)

// RedisPublisher is the slice of a Redis client the sink needs.
// infra.GoRedisAdapter satisfies it.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RunIndexer is implemented by Redis clients that can also keep a set of
// known run ids.
type RunIndexer interface {
	IndexRun(ctx context.Context, key, runID string) error
}

// RedisSink publishes each entry as JSON on a Redis Pub/Sub channel, and on
// a per-run channel when PerRun is set.
type RedisSink struct {
	client  RedisPublisher
	channel string
	perRun  bool
}

// NewRedisSink publishes to channel. With perRun, entries are also published
// to channel:<run_id>.
func NewRedisSink(client RedisPublisher, channel string, perRun bool) *RedisSink {
	if channel == "" {
		channel = "agentloop:journal"
	}
	return &RedisSink{client: client, channel: channel, perRun: perRun}
}

func (r *RedisSink) Name() string { return "redis:" + r.channel }

// Channel is the channel every entry is published on.
func (r *RedisSink) Channel() string { return r.channel }

// RunChannel is the per-run channel for runID.
func (r *RedisSink) RunChannel(runID string) string { return r.channel + ":" + runID }

// RunIndexKey is the set holding the ids of runs seen by the sink.
func (r *RedisSink) RunIndexKey() string { return r.channel + ":runs" }

func (r *RedisSink) Deliver(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	if err := r.client.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	if idx, ok := r.client.(RunIndexer); ok && e.Event != nil && e.Event.Type() == EventStarted {
		if err := idx.IndexRun(ctx, r.RunIndexKey(), e.RunID); err != nil {
			return fmt.Errorf("redis index run %s: %w", e.RunID, err)
		}
	}
	if r.perRun && e.RunID != "" {
		ch := r.RunChannel(e.RunID)
		if err := r.client.Publish(ctx, ch, data); err != nil {
			return fmt.Errorf("redis publish %s: %w", ch, err)
		}
	}
	return nil
}
