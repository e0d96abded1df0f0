package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/bloodbank/allocation"
)

// LogPublisher writes events to a structured logger. It is the publisher
// used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e allocation.Event) error {
	attrs := []any{
		"event_id", e.ID,
		"type", e.Type,
		"request_id", e.RequestID,
		"status", e.Status,
	}
	if e.ParentID != "" {
		attrs = append(attrs, "parent_id", e.ParentID)
	}
	if e.DonorID != "" {
		attrs = append(attrs, "donor_id", e.DonorID)
	}
	if e.BannedUntil != nil {
		attrs = append(attrs, "requester_id", e.RequesterID, "banned_until", *e.BannedUntil)
	}
	p.logger.InfoContext(ctx, "allocation event", attrs...)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []allocation.Publisher

func (m Multi) Publish(ctx context.Context, e allocation.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ allocation.Publisher = (*LogPublisher)(nil)
	_ allocation.Publisher = Multi(nil)
)
