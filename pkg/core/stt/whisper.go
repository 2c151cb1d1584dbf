package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/callcore-ai/callcore/pkg/core"
)

const openaiBaseURL = "https://api.openai.com/v1"

// WhisperProvider implements the STT Provider interface using OpenAI's
// audio transcription API.
type WhisperProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewWhisper creates a new Whisper STT provider.
func NewWhisper(apiKey string) *WhisperProvider {
	return &WhisperProvider{
		apiKey:     apiKey,
		baseURL:    openaiBaseURL,
		httpClient: &http.Client{},
	}
}

// NewWhisperWithClient creates a Whisper provider with a custom HTTP client
// and base URL. Used by tests to point at a fake server.
func NewWhisperWithClient(apiKey, baseURL string, client *http.Client) *WhisperProvider {
	return &WhisperProvider{apiKey: apiKey, baseURL: baseURL, httpClient: client}
}

// Name returns the provider identifier.
func (p *WhisperProvider) Name() string { return "whisper" }

// Transcribe converts audio to text via the transcription endpoint.
func (p *WhisperProvider) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcript, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	ext := opts.Format
	if ext == "" {
		ext = "wav"
	}
	fw, err := mw.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "whisper-1"
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Could not reach the provider at all, as opposed to the
		// provider rejecting the request.
		return nil, core.NewInfrastructureError("whisper unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Transcript{
		Text:     result.Text,
		Language: result.Language,
		Duration: result.Duration,
	}, nil
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
		return fmt.Errorf("whisper: status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("whisper: %s: %s", apiErr.Error.Type, apiErr.Error.Message)
}
