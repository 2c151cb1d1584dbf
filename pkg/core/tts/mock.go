package tts

import (
	"context"
	"encoding/binary"
	"math"
)

// MockProvider is an offline TTS adapter that generates a short sine tone
// instead of real speech. The payload is a valid WAV file so downstream
// consumers can treat it like vendor output.
type MockProvider struct{}

// NewMock creates a mock TTS provider.
func NewMock() *MockProvider { return &MockProvider{} }

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Synthesize returns a tone whose length scales with the input text, so
// tests can distinguish replies without decoding audio.
func (m *MockProvider) Synthesize(_ context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	// 20ms per character, clamped to keep payloads small.
	millis := 20 * len(text)
	if millis > 2000 {
		millis = 2000
	}
	if millis < 100 {
		millis = 100
	}
	samples := sampleRate * millis / 1000
	audio := sineWAV(samples, sampleRate)
	return &Synthesis{
		Audio:    audio,
		Format:   "wav",
		Duration: float64(millis) / 1000,
	}, nil
}

func sineWAV(samples, sampleRate int) []byte {
	dataLen := samples * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(v))
	}
	return buf
}
