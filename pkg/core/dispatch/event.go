// Package dispatch fans out call lifecycle events to registered webhook
// subscribers and the CRM sink.
package dispatch

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType is a call lifecycle event tag.
type EventType string

const (
	EventCallIncoming  EventType = "call.incoming"
	EventCallCreated   EventType = "call.created"
	EventCallAnswered  EventType = "call.answered"
	EventCallProcessed EventType = "call.processed"
	EventCallEnded     EventType = "call.ended"
	EventCallFailed    EventType = "call.failed"

	// EventWildcard subscribes an endpoint to every event type.
	EventWildcard EventType = "*"
)

// Event is an immutable lifecycle event record. It is constructed once and
// consumed exactly once per matching subscriber.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"event"`
	CallID    string         `json:"call_id"`
	Timestamp int64          `json:"timestamp"` // epoch seconds
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent constructs an event record with a sortable id and the current
// timestamp.
func NewEvent(eventType EventType, callID string, payload map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		CallID:    callID,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}
