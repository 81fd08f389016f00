// Package notify carries outbound real-time events to the push
// dispatcher. Events are at-least-once: ids are derived from their content
// so a re-emitted event has the same id and consumers can dedup.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names an outbound event.
type Kind string

const (
	KindNewBroadcast         Kind = "new_broadcast"
	KindBroadcastExpired     Kind = "broadcast_expired"
	KindBroadcastCancelled   Kind = "broadcast_cancelled"
	KindBroadcastUnavailable Kind = "broadcast_unavailable"
	KindTruckConfirmed       Kind = "truck_confirmed"
	KindTripAssigned         Kind = "trip_assigned"
	KindTrucksRemaining      Kind = "trucks_remaining_update"
)

// eventNamespace seeds deterministic event ids.
var eventNamespace = uuid.MustParse("6f3c2a1e-9b7d-4c52-8e21-5a0d4b6f9c13")

// Event is one message for one recipient.
type Event struct {
	ID         string         `json:"id" msgpack:"id"`
	Kind       Kind           `json:"kind" msgpack:"kind"`
	RequestID  string         `json:"request_id" msgpack:"request_id"`
	Recipient  string         `json:"recipient" msgpack:"recipient"`
	Template   string         `json:"template" msgpack:"template"`
	Data       map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" msgpack:"occurred_at"`
}

// NewEvent builds an event. discriminator separates legitimately distinct
// events of the same kind for the same recipient and request, such as
// successive trucks_remaining updates.
func NewEvent(kind Kind, requestID, recipient, discriminator string, data map[string]any) Event {
	seed := string(kind) + "|" + requestID + "|" + recipient + "|" + discriminator
	return Event{
		ID:         uuid.NewSHA1(eventNamespace, []byte(seed)).String(),
		Kind:       kind,
		RequestID:  requestID,
		Recipient:  recipient,
		Template:   "haul." + string(kind),
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Fanout builds one event per recipient with shared data.
func Fanout(kind Kind, requestID string, recipients []string, discriminator string, data map[string]any) []Event {
	events := make([]Event, 0, len(recipients))
	for _, r := range recipients {
		events = append(events, NewEvent(kind, requestID, r, discriminator, data))
	}
	return events
}

// Publisher enqueues events without blocking on delivery.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Sink delivers a batch of events to the push dispatcher.
type Sink interface {
	Deliver(ctx context.Context, events []Event) error
	Close() error
}
