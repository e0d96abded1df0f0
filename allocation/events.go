package allocation

import (
	"context"
	"time"

	"github.com/warp/bloodbank/blood"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventMainCreated     EventType = "request.main_created"
	EventChildCreated    EventType = "request.child_created"
	EventAccepted        EventType = "request.accepted"
	EventRejected        EventType = "request.rejected"
	EventCancelled       EventType = "request.cancelled"
	EventClosed          EventType = "request.closed"
	EventMainResolved    EventType = "request.main_resolved"
	EventRequesterBanned EventType = "requester.banned"
)

// Event is emitted after a transition has been committed. Delivery is
// best effort: a publish failure is logged and never undoes the transition.
type Event struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"type"`
	OccurredAt  time.Time   `json:"occurred_at"`
	RequestID   RequestID   `json:"request_id,omitempty"`
	ParentID    RequestID   `json:"parent_id,omitempty"`
	Kind        Kind        `json:"kind,omitempty"`
	Status      Status      `json:"status,omitempty"`
	RequesterID RequesterID `json:"requester_id,omitempty"`
	DonorID     DonorID     `json:"donor_id,omitempty"`
	BloodGroup  blood.Group `json:"blood_group,omitempty"`
	Units       int         `json:"units,omitempty"`
	BannedUntil *time.Time  `json:"banned_until,omitempty"`
}

// Publisher delivers events to interested parties (notifications, audit).
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func requestEvent(t EventType, r Request, at time.Time) Event {
	return Event{
		Type:        t,
		OccurredAt:  at,
		RequestID:   r.ID,
		ParentID:    r.ParentID,
		Kind:        r.Kind,
		Status:      r.Status,
		RequesterID: r.RequesterID,
		DonorID:     r.DonorID,
		BloodGroup:  r.BloodGroup,
		Units:       r.Units,
	}
}
