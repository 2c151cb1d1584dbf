package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/callcore-ai/callcore/pkg/core"
)

// GeminiProvider implements the LLM Provider interface using the Google
// Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

// NewGemini creates a new Gemini LLM provider.
func NewGemini(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string { return "gemini" }

// Generate produces a reply from the conversation history. System messages
// become the system instruction; caller and agent turns map to user and
// model roles.
func (p *GeminiProvider) Generate(ctx context.Context, history []Message, opts GenerateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	var system strings.Builder
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteByte('\n')
			}
			system.WriteString(msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if system.Len() > 0 {
		config.SystemInstruction = genai.NewContentFromText(system.String(), genai.RoleUser)
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return "", core.NewInfrastructureError("gemini unreachable", err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty reply")
	}
	return text, nil
}
