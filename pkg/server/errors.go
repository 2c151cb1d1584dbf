package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/callcore-ai/callcore/pkg/core"
)

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func statusForError(err *core.Error) int {
	switch err.Type {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrSessionNotFound:
		return http.StatusNotFound
	case core.ErrDuplicateSession, core.ErrInvalidTransition:
		return http.StatusConflict
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrSTT, core.ErrLLM, core.ErrTTS, core.ErrDelivery:
		return http.StatusBadGateway
	case core.ErrInfrastructure, core.ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, err *core.Error, requestID string) {
	if err == nil {
		return
	}
	writeJSONErrorWithStatus(w, statusForError(err), err, requestID)
}

func writeJSONErrorWithStatus(w http.ResponseWriter, status int, err *core.Error, requestID string) {
	if err == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type":       "error",
		"error":      err,
		"request_id": requestID,
	})
}

func normalizeError(err error) *core.Error {
	if err == nil {
		return nil
	}
	if typed := core.AsError(err); typed != nil {
		return typed
	}
	return core.NewInternalError(err.Error())
}
