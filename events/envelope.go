// Package events carries allocation lifecycle events out of the process.
//
// Every event travels as an Envelope: a versioned header plus the JSON
// encoded allocation.Event as payload. Consumers switch on EventType and
// ignore versions they do not understand.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/warp/bloodbank/allocation"
)

const EnvelopeVersion = 1

type Envelope struct {
	EventID       string               `json:"event_id"`
	EventType     allocation.EventType `json:"event_type"`
	EventVersion  int                  `json:"event_version"`
	OccurredAt    time.Time            `json:"occurred_at"`
	Producer      string               `json:"producer"`
	TraceID       string               `json:"trace_id,omitempty"`
	CorrelationID allocation.RequestID `json:"correlation_id,omitempty"`
	Payload       json.RawMessage      `json:"payload"`
}

// Wrap builds the envelope for e. The correlation ID is the Main request
// of the family, so every event of one requirement shares a partition key.
func Wrap(ctx context.Context, producer string, e allocation.Event) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	env := Envelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    e.OccurredAt.UTC(),
		Producer:      producer,
		CorrelationID: familyOf(e),
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

// Unwrap decodes the payload back into an allocation.Event.
func (env Envelope) Unwrap() (allocation.Event, error) {
	if env.EventVersion != EnvelopeVersion {
		return allocation.Event{}, fmt.Errorf("unsupported event version %d", env.EventVersion)
	}
	var e allocation.Event
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return allocation.Event{}, fmt.Errorf("decode event %s: %w", env.EventType, err)
	}
	return e, nil
}

func familyOf(e allocation.Event) allocation.RequestID {
	if e.ParentID != "" {
		return e.ParentID
	}
	return e.RequestID
}
