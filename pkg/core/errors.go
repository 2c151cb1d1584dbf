// Package core defines the shared error taxonomy for the call orchestration
// service.
package core

import (
	"errors"
	"fmt"
)

// Error represents a typed orchestration error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	CallID  string    `json:"call_id,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s: %s (call: %s)", e.Type, e.Message, e.CallID)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// Pipeline stage failures. Recoverable per turn.
	ErrSTT ErrorType = "stt_error"
	ErrLLM ErrorType = "llm_error"
	ErrTTS ErrorType = "tts_error"

	// Session store contract violations. Caller error.
	ErrDuplicateSession  ErrorType = "duplicate_session"
	ErrSessionNotFound   ErrorType = "session_not_found"
	ErrInvalidTransition ErrorType = "invalid_transition"

	// Per-subscriber delivery failure. Isolated, retried, then dropped.
	ErrDelivery ErrorType = "delivery_failure"

	// Adapter unreachable or configuration invalid. Escalates the session
	// to the FAILED state.
	ErrInfrastructure ErrorType = "infrastructure_error"

	// HTTP surface errors.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrInternal       ErrorType = "api_error"
)

// NewSTTError creates a speech-to-text stage error.
func NewSTTError(callID string, cause error) *Error {
	return &Error{Type: ErrSTT, Message: stageMessage("transcription failed", cause), CallID: callID, Stage: "stt", Cause: cause}
}

// NewLLMError creates a language-model stage error.
func NewLLMError(callID string, cause error) *Error {
	return &Error{Type: ErrLLM, Message: stageMessage("reply generation failed", cause), CallID: callID, Stage: "llm", Cause: cause}
}

// NewTTSError creates a text-to-speech stage error.
func NewTTSError(callID string, cause error) *Error {
	return &Error{Type: ErrTTS, Message: stageMessage("synthesis failed", cause), CallID: callID, Stage: "tts", Cause: cause}
}

// NewDuplicateSessionError creates a duplicate session error.
func NewDuplicateSessionError(callID string) *Error {
	return &Error{Type: ErrDuplicateSession, Message: "session already exists", CallID: callID}
}

// NewSessionNotFoundError creates a session not found error.
func NewSessionNotFoundError(callID string) *Error {
	return &Error{Type: ErrSessionNotFound, Message: "session not found", CallID: callID}
}

// NewInvalidTransitionError creates an invalid state transition error.
func NewInvalidTransitionError(callID, from, to string) *Error {
	return &Error{
		Type:    ErrInvalidTransition,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
		CallID:  callID,
	}
}

// NewDeliveryError creates a subscriber delivery error.
func NewDeliveryError(endpoint string, cause error) *Error {
	return &Error{Type: ErrDelivery, Message: stageMessage("delivery to "+endpoint+" failed", cause), Cause: cause}
}

// NewInfrastructureError creates an infrastructure error.
func NewInfrastructureError(message string, cause error) *Error {
	return &Error{Type: ErrInfrastructure, Message: stageMessage(message, cause), Cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewInternalError creates a generic internal error.
func NewInternalError(message string) *Error {
	return &Error{Type: ErrInternal, Message: message}
}

// IsRetryable returns true if the operation that produced the error may be
// retried by the caller without ending the call.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrSTT, ErrLLM, ErrTTS, ErrDelivery, ErrRateLimit:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the error must move the session to FAILED.
func (e *Error) IsTerminal() bool {
	return e.Type == ErrInfrastructure
}

// AsError extracts a *core.Error from err, wrapping unknown errors as
// internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return &Error{Type: ErrInternal, Message: err.Error(), Cause: err}
}

// IsType reports whether err is a *core.Error of the given type.
func IsType(err error, t ErrorType) bool {
	var coreErr *Error
	if !errors.As(err, &coreErr) {
		return false
	}
	return coreErr.Type == t
}

func stageMessage(message string, cause error) string {
	if cause == nil {
		return message
	}
	return fmt.Sprintf("%s: %v", message, cause)
}
