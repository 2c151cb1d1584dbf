// Package tts provides text-to-speech adapters.
package tts

import (
	"context"
	"fmt"
	"log/slog"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // voice identifier
	Speed      float64 // speed multiplier (default 1.0)
	Format     string  // output format: "wav", "mp3" or "pcm"
	SampleRate int     // sample rate in Hz
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio    []byte  // audio data
	Format   string  // audio format
	Duration float64 // duration in seconds, if known
}

// New selects a provider by name, falling back to the mock for unknown
// values.
func New(provider, apiKey string, logger *slog.Logger) (Provider, error) {
	switch provider {
	case "", "mock":
		return NewMock(), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("tts provider %q requires an API key", provider)
		}
		return NewOpenAI(apiKey), nil
	}
	if logger != nil {
		logger.Warn("unknown tts provider, falling back to mock", "provider", provider)
	}
	return NewMock(), nil
}
