// Package pubsubsink delivers journal entries to Google Cloud Pub/Sub.
//
// It lives apart from the journal so that only binaries configured with a
// Pub/Sub sink link the GCP client.
package pubsubsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/agentloop/internal/journal"
)

// Sink publishes entries to a Google Cloud Pub/Sub topic for durable
// cross-service delivery. Messages are ordered per run.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New connects to projectID and creates topicID if it does not
// exist.
func New(ctx context.Context, projectID, topicID string) (*Sink, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	// Check if topic exists; create if not
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created Pub/Sub topic", "topic_id", topicID)
	}

	// Ordering by run keeps each run's entries in sequence for consumers
	topic.EnableMessageOrdering = true

	slog.Info("journal Pub/Sub sink connected", "project", projectID, "topic", topicID)
	return &Sink{client: client, topic: topic}, nil
}

func (p *Sink) Name() string { return "pubsub:" + p.topic.ID() }

// Deliver publishes e and waits for the server acknowledgement.
func (p *Sink) Deliver(ctx context.Context, e journal.Entry) error {
	msg, err := buildMessage(e)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses its key until resumed.
		p.topic.ResumePublish(msg.OrderingKey)
		return fmt.Errorf("pubsub publish seq %d: %w", e.Seq, err)
	}
	return nil
}

// buildMessage maps an entry onto a Pub/Sub message with CloudEvents-style
// attributes for server-side filtering.
func buildMessage(e journal.Entry) (*pubsub.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": "1.0",
			"ce-type":        "agentloop.journal." + string(e.Event.Type()),
			"ce-source":      "/agentloop/journal",
			"ce-id":          strconv.FormatUint(e.Seq, 10),
			"ce-time":        e.Timestamp.Format(time.RFC3339Nano),
			"ce-subject":     e.RunID,
			"agent_id":       e.AgentID,
		},
		OrderingKey: e.RunID,
	}, nil
}

// Close flushes pending messages and closes the client.
func (p *Sink) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
