package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/bloodbank/allocation"
)

const headerEventType = "event_type"

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes allocation events to one topic. Messages are
// keyed by the Main request ID so a family's events stay ordered.
type KafkaPublisher struct {
	w        messageWriter
	producer string
}

var _ allocation.Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher returns a publisher writing asynchronously to topic.
// Delivery failures are reported to logger; Publish itself only fails on
// encoding errors.
func NewKafkaPublisher(brokers []string, topic, producer string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka delivery failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return newKafkaPublisher(w, producer)
}

func newKafkaPublisher(w messageWriter, producer string) *KafkaPublisher {
	return &KafkaPublisher{w: w, producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e allocation.Event) error {
	env, err := Wrap(ctx, p.producer, e)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(env.CorrelationID),
		Value:   value,
		Time:    env.OccurredAt,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(env.EventType)}},
	})
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error { return p.w.Close() }
