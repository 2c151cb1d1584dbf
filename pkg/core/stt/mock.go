package stt

import (
	"context"
	"sync"
)

// MockProvider is an offline STT adapter for demos and tests. It replays a
// scripted sequence of transcripts, or falls back to a fixed utterance.
// Silence (an empty payload) transcribes to the empty string, which the
// pipeline treats as a failed recognition on non-silent input.
type MockProvider struct {
	mu       sync.Mutex
	script   []string
	calls    int
	fallback string
}

// NewMock creates a mock STT provider with the default utterance.
func NewMock() *MockProvider {
	return &MockProvider{fallback: "I need help with my order"}
}

// NewMockScript creates a mock STT provider replaying the given transcripts
// in order.
func NewMockScript(transcripts ...string) *MockProvider {
	return &MockProvider{script: transcripts}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Transcribe returns the next scripted transcript.
func (m *MockProvider) Transcribe(_ context.Context, audio []byte, _ TranscribeOptions) (*Transcript, error) {
	if len(audio) == 0 {
		return &Transcript{Text: ""}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls < len(m.script) {
		text := m.script[m.calls]
		m.calls++
		return &Transcript{Text: text, Language: "en"}, nil
	}
	return &Transcript{Text: m.fallback, Language: "en"}, nil
}
