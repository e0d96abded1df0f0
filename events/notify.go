package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/bloodbank/allocation"
)

// Notice is a message for one party of a request.
type Notice struct {
	EventID   string
	Recipient string // "requester:<id>" or "donor:<id>"
	Text      string
}

// Sink delivers notices (SMS gateway, push, ...).
type Sink interface {
	Deliver(ctx context.Context, n Notice) error
}

type SinkFunc func(ctx context.Context, n Notice) error

func (f SinkFunc) Deliver(ctx context.Context, n Notice) error { return f(ctx, n) }

// Deduper claims event IDs so a redelivered event is handled once.
// FirstSeen claims the ID; Forget releases a claim whose handling failed.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Notifier turns lifecycle events into notices for requesters and donors.
// Use its Handle method as a Consumer handler.
type Notifier struct {
	sink   Sink
	dedup  Deduper
	logger *slog.Logger
}

func NewNotifier(sink Sink, dedup Deduper, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sink: sink, dedup: dedup, logger: logger}
}

// Handle delivers the notices of one envelope. A notice that fails leaves
// the event unclaimed, so the redelivery may repeat notices that already
// went out before it.
func (n *Notifier) Handle(ctx context.Context, env Envelope) error {
	if n.dedup != nil {
		first, err := n.dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	e, err := env.Unwrap()
	if err != nil {
		n.logger.WarnContext(ctx, "skipping event", "event_id", env.EventID, "error", err)
		return nil
	}
	for _, notice := range Notices(e) {
		notice.EventID = env.EventID
		if err := n.sink.Deliver(ctx, notice); err != nil {
			err = fmt.Errorf("deliver %s to %s: %w", e.Type, notice.Recipient, err)
			if n.dedup != nil {
				// Release the claim so the redelivered event is handled again.
				if ferr := n.dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
					return errors.Join(err, ferr)
				}
			}
			return err
		}
	}
	return nil
}

// Notices lists who hears about e. Events nobody is told about return nil.
func Notices(e allocation.Event) []Notice {
	requester := "requester:" + string(e.RequesterID)
	donor := "donor:" + string(e.DonorID)

	switch e.Type {
	case allocation.EventChildCreated:
		if e.Kind == allocation.KindDonor {
			return []Notice{{Recipient: donor, Text: fmt.Sprintf("You have been asked to donate %s blood for request %s.", e.BloodGroup, e.RequestID)}}
		}
	case allocation.EventAccepted:
		if e.Kind == allocation.KindDonor {
			return []Notice{{Recipient: requester, Text: fmt.Sprintf("Donor %s accepted request %s.", e.DonorID, e.RequestID)}}
		}
		return []Notice{{Recipient: requester, Text: fmt.Sprintf("%d unit(s) of %s from stock are on the way for request %s.", e.Units, e.BloodGroup, e.RequestID)}}
	case allocation.EventRejected:
		return []Notice{{Recipient: requester, Text: fmt.Sprintf("Request %s was declined; choose another source.", e.RequestID)}}
	case allocation.EventCancelled:
		if e.Kind == allocation.KindDonor {
			return []Notice{{Recipient: donor, Text: fmt.Sprintf("Request %s was cancelled by the requester.", e.RequestID)}}
		}
	case allocation.EventMainResolved:
		return []Notice{{Recipient: requester, Text: fmt.Sprintf("Your requirement %s is now %s.", e.RequestID, e.Status)}}
	case allocation.EventRequesterBanned:
		if e.BannedUntil != nil {
			return []Notice{{Recipient: requester, Text: fmt.Sprintf("Too many cancellations: new requests are blocked until %s.", e.BannedUntil.Format(time.DateOnly))}}
		}
	}
	return nil
}

// RedisDeduper remembers handled event IDs for ttl.
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(rdb *redis.Client, consumer string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, prefix: "bloodbank:dedup:" + consumer + ":", ttl: ttl}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", eventID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, d.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", eventID, err)
	}
	return nil
}

// LogSink writes notices to a logger.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ctx context.Context, n Notice) error {
		logger.InfoContext(ctx, "notice", "event_id", n.EventID, "to", n.Recipient, "text", n.Text)
		return nil
	})
}
