// Package queue publishes ingestion events to Kafka for downstream
// consumers (dashboards, alerting). Publishing is best effort: the HTTP
// response for an import never waits on the broker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Event types emitted on the events topic.
const (
	EventImportCompleted = "import_completed"
	EventReadingUpserted = "reading_upserted"
	EventAudioStored     = "audio_stored"
)

// Event is the wire shape of a published message. Key fields are optional
// depending on the type.
type Event struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Instant int64  `json:"instant,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events to a single topic, partitioned by event type.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			// Fire and forget: ingestion latency must not depend on the
			// broker being reachable.
			Async: true,
		},
	}
}

// Publish serializes the event and hands it to the async writer.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.Type),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop discards every event. Used when Kafka is disabled and in tests.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
