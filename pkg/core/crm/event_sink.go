package crm

import (
	"context"
	"fmt"
	"time"

	"github.com/callcore-ai/callcore/pkg/core/dispatch"
)

// EventSink adapts a Sink to the dispatcher's terminal-event feed. Ended
// calls are logged as CRM call records; failed calls are logged and
// additionally open a follow-up ticket.
type EventSink struct {
	sink Sink
}

// NewEventSink wraps a sink for use as the dispatcher's CRM consumer.
func NewEventSink(sink Sink) *EventSink {
	return &EventSink{sink: sink}
}

// Consume converts a terminal call event into CRM records.
func (s *EventSink) Consume(ctx context.Context, ev dispatch.Event) error {
	data := callDataFromEvent(ev)
	if err := s.sink.LogCall(ctx, data); err != nil {
		return fmt.Errorf("log call: %w", err)
	}
	if ev.Type != dispatch.EventCallFailed {
		return nil
	}

	ticket := Ticket{
		CallID:     ev.CallID,
		CustomerID: data.CustomerID,
		Subject:    fmt.Sprintf("Call %s failed", ev.CallID),
		Priority:   "high",
	}
	if reason, ok := ev.Payload["reason"].(string); ok {
		ticket.Description = reason
	}
	if err := s.sink.CreateTicket(ctx, ticket); err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

func callDataFromEvent(ev dispatch.Event) CallData {
	data := CallData{
		CallID:   ev.CallID,
		CallType: "inbound",
	}
	if v, ok := ev.Payload["customer_id"].(string); ok {
		data.CustomerID = v
	}
	if v, ok := ev.Payload["transcript"].(string); ok {
		data.Transcript = v
	}
	if v, ok := ev.Payload["duration_seconds"].(float64); ok {
		data.DurationSeconds = v
	}
	if v, ok := ev.Payload["started_at"].(time.Time); ok {
		data.StartTime = v
	}
	if v, ok := ev.Payload["ended_at"].(time.Time); ok {
		data.EndTime = v
	}
	if v, ok := ev.Payload["state"].(string); ok {
		data.Tags = append(data.Tags, v)
	}
	if meta, ok := ev.Payload["metadata"].(map[string]string); ok {
		data.Metadata = meta
		if data.CustomerID == "" {
			if id := meta["customer_id"]; id != "" {
				data.CustomerID = id
			} else if id := meta["user_id"]; id != "" {
				data.CustomerID = id
			}
		}
	}
	return data
}
