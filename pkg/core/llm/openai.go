package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/callcore-ai/callcore/pkg/core"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements the LLM Provider interface using OpenAI's chat
// completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a new OpenAI LLM provider.
func NewOpenAI(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    openaiBaseURL,
		httpClient: &http.Client{},
	}
}

// NewOpenAIWithClient creates an OpenAI LLM provider with a custom HTTP
// client and base URL.
func NewOpenAIWithClient(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{apiKey: apiKey, baseURL: baseURL, httpClient: client}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate produces a reply via the chat completions endpoint.
func (p *OpenAIProvider) Generate(ctx context.Context, history []Message, opts GenerateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 150
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	body := map[string]any{
		"model":       model,
		"messages":    history,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", core.NewInfrastructureError("openai unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", parseError(resp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Message == "" {
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("openai: %s: %s", apiErr.Error.Type, apiErr.Error.Message)
}
