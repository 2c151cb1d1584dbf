package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewSTTError("call-1", errors.New("connection refused"))
	want := "stt_error: transcription failed: connection refused (call: call-1)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := NewInvalidRequestError("missing body")
	if plain.Error() != "invalid_request_error: missing body" {
		t.Errorf("Error() = %q", plain.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{NewSTTError("c", nil), true},
		{NewLLMError("c", nil), true},
		{NewTTSError("c", nil), true},
		{NewDeliveryError("http://example.com", nil), true},
		{NewDuplicateSessionError("c"), false},
		{NewSessionNotFoundError("c"), false},
		{NewInvalidTransitionError("c", "ENDED", "IN_PROGRESS"), false},
		{NewInfrastructureError("adapter unreachable", nil), false},
	}
	for _, tt := range tests {
		if got := tt.err.IsRetryable(); got != tt.want {
			t.Errorf("%s: IsRetryable() = %v, want %v", tt.err.Type, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !NewInfrastructureError("bad config", nil).IsTerminal() {
		t.Error("infrastructure error should be terminal")
	}
	if NewTTSError("c", nil).IsTerminal() {
		t.Error("tts error should not be terminal")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewInfrastructureError("boom", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestAsError(t *testing.T) {
	typed := NewSessionNotFoundError("c1")
	wrapped := fmt.Errorf("handler: %w", typed)

	got := AsError(wrapped)
	if got.Type != ErrSessionNotFound {
		t.Errorf("AsError type = %s, want %s", got.Type, ErrSessionNotFound)
	}

	generic := AsError(errors.New("oops"))
	if generic.Type != ErrInternal {
		t.Errorf("AsError type = %s, want %s", generic.Type, ErrInternal)
	}

	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewInvalidTransitionError("c", "ENDED", "ENDED"))
	if !IsType(err, ErrInvalidTransition) {
		t.Error("IsType should match through wrapping")
	}
	if IsType(err, ErrSTT) {
		t.Error("IsType should not match a different type")
	}
	if IsType(errors.New("plain"), ErrSTT) {
		t.Error("IsType on a plain error should be false")
	}
}
