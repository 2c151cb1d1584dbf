package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSink delivers CRM records to a generic HTTP CRM bridge. Call
// records go to /calls, tickets to /tickets, both as JSON with bearer
// authentication.
type WebhookSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWebhookSink creates a webhook CRM sink.
func NewWebhookSink(baseURL, apiKey string) *WebhookSink {
	return NewWebhookSinkWithClient(baseURL, apiKey, &http.Client{Timeout: 10 * time.Second})
}

// NewWebhookSinkWithClient creates a webhook CRM sink with a custom HTTP
// client.
func NewWebhookSinkWithClient(baseURL, apiKey string, client *http.Client) *WebhookSink {
	return &WebhookSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Name returns the sink identifier.
func (s *WebhookSink) Name() string { return "webhook" }

// LogCall records a finished call.
func (s *WebhookSink) LogCall(ctx context.Context, data CallData) error {
	if data.CallType == "" {
		data.CallType = "inbound"
	}
	return s.post(ctx, "/calls", data)
}

// CreateTicket opens a follow-up ticket.
func (s *WebhookSink) CreateTicket(ctx context.Context, ticket Ticket) error {
	return s.post(ctx, "/tickets", ticket)
}

func (s *WebhookSink) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal crm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("crm returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
