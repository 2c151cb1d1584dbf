// Package crm pushes finished-call records and follow-up tickets into the
// customer relationship system.
package crm

import (
	"context"
	"log/slog"
	"time"
)

// CallData is the record logged for one finished call.
type CallData struct {
	CallID          string            `json:"call_id"`
	CustomerID      string            `json:"customer_id,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	DurationSeconds float64           `json:"duration_seconds"`
	CallType        string            `json:"call_type"`
	Transcript      string            `json:"transcript,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Ticket is a follow-up item opened for a customer.
type Ticket struct {
	CallID      string `json:"call_id"`
	CustomerID  string `json:"customer_id,omitempty"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Sink is the CRM integration surface.
type Sink interface {
	Name() string
	LogCall(ctx context.Context, data CallData) error
	CreateTicket(ctx context.Context, ticket Ticket) error
}

// NopSink discards everything. Used when no CRM is configured.
type NopSink struct{}

func (NopSink) Name() string                               { return "nop" }
func (NopSink) LogCall(context.Context, CallData) error    { return nil }
func (NopSink) CreateTicket(context.Context, Ticket) error { return nil }

// New builds a sink from configuration. An empty or unknown kind falls back
// to the nop sink with a warning, keeping the service usable without a CRM.
func New(kind, baseURL, apiKey string, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "webhook":
		return NewWebhookSink(baseURL, apiKey)
	case "", "none", "nop":
		return NopSink{}
	default:
		logger.Warn("unknown crm kind, falling back to nop", "kind", kind)
		return NopSink{}
	}
}
