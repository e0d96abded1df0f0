package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// Handler processes one envelope. Returning nil commits the offset.
type Handler func(ctx context.Context, env Envelope) error

// messageReader is the part of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads envelopes from a topic in a consumer group and commits
// each message after its handler succeeds.
type Consumer struct {
	r          messageReader
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, group, topic string, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, logger)
}

func newConsumer(r messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, logger: logger, newBackOff: retryForever}
}

// retryForever backs off up to 30s between attempts and never gives up.
func retryForever() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run blocks until ctx is cancelled or the reader fails.
//
// Messages that cannot be decoded are logged and committed so one bad
// record cannot stall the partition. A failing handler is retried with
// backoff on the same message, and nothing after it is committed until it
// succeeds or ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	defer c.r.Close()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			c.logger.WarnContext(ctx, "dropping undecodable event",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		} else if err := c.handle(ctx, h, env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("handle event %s: %w", env.EventID, err)
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, env Envelope) error {
	op := func() error { return h(ctx, env) }
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "event handler failed, retrying",
			"event_id", env.EventID, "type", env.EventType, "retry_in", wait, "error", err)
	})
}
