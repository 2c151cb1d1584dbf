package llm

import (
	"context"
	"strings"
)

// Canned agent replies for offline demos and functional tests.
const (
	replyOrder    = "Sure, I can help you with your order. Can you provide your order ID?"
	replyHours    = "Our working hours are 9am to 5pm, Monday to Friday."
	replyGreeting = "Hello! How can I assist you today?"
	replyFallback = "I'm sorry, I didn't understand that. Could you please rephrase?"
)

// MockProvider is an offline LLM adapter that keyword-matches the last
// caller utterance against a small set of canned intents.
type MockProvider struct{}

// NewMock creates a mock LLM provider.
func NewMock() *MockProvider { return &MockProvider{} }

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Generate replies to the most recent user message.
func (m *MockProvider) Generate(_ context.Context, history []Message, _ GenerateOptions) (string, error) {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			last = history[i].Content
			break
		}
	}
	input := strings.ToLower(last)
	switch {
	case last == "":
		return replyGreeting, nil
	case strings.Contains(input, "order"), strings.Contains(input, "refund"):
		return replyOrder, nil
	case strings.Contains(input, "working hours"), strings.Contains(input, "open"):
		return replyHours, nil
	case strings.Contains(input, "hello"), strings.Contains(input, "hi"):
		return replyGreeting, nil
	default:
		return replyFallback, nil
	}
}
