// Package llm provides language-model adapters for reply generation.
package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation handed to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Provider is the interface for language-model services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Generate produces the agent's next reply from the conversation
	// history. The history includes the system prompt as its first
	// message.
	Generate(ctx context.Context, history []Message, opts GenerateOptions) (string, error)
}

// GenerateOptions configures generation.
type GenerateOptions struct {
	Model       string  // provider-specific model name
	MaxTokens   int     // reply length cap (default 150, per call-agent tuning)
	Temperature float64 // sampling temperature (default 0.7)
}

// SystemPrompt is the default role instruction for the call-center agent.
const SystemPrompt = `You are a professional call center agent for a telecommunications company. You are helpful, polite, and efficient. You can handle customer inquiries about technical support, billing issues, service upgrades, and network problems. Always maintain a professional tone and follow proper call center protocols.`

// New selects a provider by name, falling back to the mock for unknown
// values.
func New(ctx context.Context, provider, apiKey string, logger *slog.Logger) (Provider, error) {
	switch provider {
	case "", "mock":
		return NewMock(), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("llm provider %q requires an API key", provider)
		}
		return NewOpenAI(apiKey), nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("llm provider %q requires an API key", provider)
		}
		return NewGemini(ctx, apiKey)
	}
	if logger != nil {
		logger.Warn("unknown llm provider, falling back to mock", "provider", provider)
	}
	return NewMock(), nil
}
