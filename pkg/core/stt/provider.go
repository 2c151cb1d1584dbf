// Package stt provides speech-to-text adapters.
package stt

import (
	"context"
	"fmt"
	"log/slog"
)

// Provider is the interface for speech-to-text services. Variants are
// selected by configuration at startup; the orchestration core never
// inspects which one is active.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts one utterance of audio to text.
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // provider-specific model
	Language   string // ISO language code (default: "en")
	Format     string // audio format hint (wav, mp3, webm, ...)
	SampleRate int    // audio sample rate in Hz
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string  // full transcribed text
	Language string  // detected or specified language
	Duration float64 // audio duration in seconds
}

// New selects a provider by name. Unknown providers fall back to the mock
// with a warning, keeping local and demo deployments working without keys.
func New(provider, apiKey string, logger *slog.Logger) (Provider, error) {
	switch provider {
	case "", "mock":
		return NewMock(), nil
	case "whisper", "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("stt provider %q requires an API key", provider)
		}
		return NewWhisper(apiKey), nil
	}
	if logger != nil {
		logger.Warn("unknown stt provider, falling back to mock", "provider", provider)
	}
	return NewMock(), nil
}
