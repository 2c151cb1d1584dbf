package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/callcore-ai/callcore/pkg/core"
	"github.com/callcore-ai/callcore/pkg/core/calllog"
	"github.com/callcore-ai/callcore/pkg/core/crm"
	"github.com/callcore-ai/callcore/pkg/core/dispatch"
	"github.com/callcore-ai/callcore/pkg/core/llm"
	"github.com/callcore-ai/callcore/pkg/core/orchestrator"
	"github.com/callcore-ai/callcore/pkg/core/pipeline"
	"github.com/callcore-ai/callcore/pkg/core/session"
	"github.com/callcore-ai/callcore/pkg/core/stt"
	"github.com/callcore-ai/callcore/pkg/core/tts"
)

// Server is the callcore API server.
type Server struct {
	config *Config
	logger *slog.Logger

	// Core components
	orch     *orchestrator.Orchestrator
	registry *dispatch.Registry
	store    *session.Store

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Middleware
	auth        *AuthMiddleware
	rateLimiter *RateLimiter
	logging     *LoggingMiddleware
	recovery    *RecoveryMiddleware
	cors        *CORSMiddleware
	bodyLimiter *RequestBodyLimitMiddleware

	// Metrics and tracing
	metrics       *Metrics
	traceShutdown func(context.Context) error

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// Lifecycle
	done     chan struct{}
	shutdown atomic.Bool

	// Live connection tracking
	liveCalls atomic.Int64
}

// NewServer creates a new call server.
func NewServer(ctx context.Context, opts ...ConfigOption) (*Server, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	config.LoadProviderKeysFromEnv()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics("callcore")

	tracer, traceShutdown, err := SetupTracing(ctx, config.Observability)
	if err != nil {
		return nil, err
	}

	pipe, err := buildPipeline(ctx, config, metrics, tracer, logger)
	if err != nil {
		return nil, err
	}

	registry := dispatch.NewRegistry()
	for _, ep := range config.Endpoints {
		registry.Register(subscriberFromConfig(ep))
	}

	sink := crm.New(config.CRM.Kind, config.CRM.BaseURL, config.CRM.APIKey, logger)
	dispatcher := dispatch.NewDispatcher(registry, dispatch.DispatcherOptions{
		Logger:   logger,
		Sink:     crm.NewEventSink(sink),
		Observer: metrics,
	})

	logs, err := buildCallLog(ctx, config)
	if err != nil {
		return nil, err
	}

	store := session.NewStore()
	orch := orchestrator.New(store, pipe, dispatcher, orchestrator.Options{
		Logs:    logs,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})

	s := &Server{
		config:        config,
		logger:        logger,
		orch:          orch,
		registry:      registry,
		store:         store,
		metrics:       metrics,
		traceShutdown: traceShutdown,
		done:          make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now; configure per deployment
			},
		},
	}

	s.auth = NewAuthMiddleware(config.AuthMode, config.APIKeys, logger)
	s.rateLimiter = NewRateLimiter(config.RateLimit, logger, metrics)
	s.logging = NewLoggingMiddleware(logger, metrics)
	s.recovery = NewRecoveryMiddleware(logger, metrics)
	s.cors = NewCORSMiddleware(config.AllowedOrigins)
	s.bodyLimiter = NewRequestBodyLimitMiddleware(config.MaxRequestBodyBytes)

	s.setupRoutes()

	return s, nil
}

func buildPipeline(ctx context.Context, config *Config, metrics *Metrics, tracer trace.Tracer, logger *slog.Logger) (*pipeline.Pipeline, error) {
	sttProvider, err := stt.New(config.Providers.STT, config.Providers.STTKey, logger)
	if err != nil {
		return nil, fmt.Errorf("stt provider: %w", err)
	}
	llmProvider, err := llm.New(ctx, config.Providers.LLM, config.Providers.LLMKey, logger)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	ttsProvider, err := tts.New(config.Providers.TTS, config.Providers.TTSKey, logger)
	if err != nil {
		return nil, fmt.Errorf("tts provider: %w", err)
	}

	return pipeline.New(sttProvider, llmProvider, ttsProvider, pipeline.Options{
		StageTimeout:  config.Pipeline.StageTimeout,
		HistoryWindow: config.Pipeline.HistoryWindow,
		SystemPrompt:  config.Pipeline.SystemPrompt,
		Voice:         config.Pipeline.Voice,
		SampleRate:    config.Pipeline.SampleRate,
		Observer:      metrics,
		Tracer:        tracer,
	}), nil
}

func buildCallLog(ctx context.Context, config *Config) (calllog.Store, error) {
	switch config.CallLog.Backend {
	case "", "memory":
		return calllog.NewMemoryStore(config.CallLog.Capacity), nil
	case "postgres":
		if config.CallLog.DSN == "" {
			return nil, fmt.Errorf("call log: postgres backend requires a dsn")
		}
		return calllog.NewPostgresStore(ctx, config.CallLog.DSN)
	default:
		return nil, fmt.Errorf("call log: unknown backend %q", config.CallLog.Backend)
	}
}

func subscriberFromConfig(ep EndpointConfig) dispatch.Subscriber {
	events := make([]dispatch.EventType, 0, len(ep.Events))
	for _, e := range ep.Events {
		events = append(events, dispatch.EventType(e))
	}
	return dispatch.Subscriber{
		ID:     ep.ID,
		URL:    ep.URL,
		Secret: ep.Secret,
		Events: events,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:    ep.MaxAttempts,
			InitialBackoff: ep.InitialBackoff,
			MaxBackoff:     ep.MaxBackoff,
			Timeout:        ep.Timeout,
		},
		MaxConsecutiveFailures: ep.MaxConsecutiveFailures,
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()

	// Health check (no auth required)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Metrics (no auth required by default)
	if s.config.Observability.MetricsEnabled {
		s.mux.Handle("GET "+s.config.Observability.MetricsPath, s.metrics.Handler())
	}

	// API endpoints (with auth and rate limiting)
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, s.withMiddleware(h))
	}
	handle("POST /v1/calls", s.handleStartCall)
	handle("GET /v1/calls", s.handleRecentCalls)
	handle("GET /v1/calls/{id}", s.handleGetCall)
	handle("POST /v1/calls/{id}/answer", s.handleAnswer)
	handle("POST /v1/calls/{id}/turns", s.handleTurn)
	handle("POST /v1/calls/{id}/end", s.handleEndCall)
	handle("POST /v1/telephony/incoming", s.handleIncoming)
	handle("GET /v1/endpoints", s.handleListEndpoints)
	handle("POST /v1/endpoints", s.handleRegisterEndpoint)
	handle("DELETE /v1/endpoints/{id}", s.handleUnregisterEndpoint)

	// WebSocket endpoint for live call sessions
	s.mux.HandleFunc("GET /v1/calls/{id}/live", s.handleLive)
}

// withMiddleware wraps a handler with all middleware.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (innermost first)
	handler = s.recovery.Recover(handler)
	handler = s.rateLimiter.RateLimit(handler)
	handler = s.auth.Authenticate(handler)
	handler = s.bodyLimiter.Limit(handler)
	handler = s.cors.Handle(handler)
	handler = s.logging.Log(handler)
	return handler
}

// Start starts the server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("server starting",
		"addr", addr,
		"tls", s.config.TLSEnabled,
	)

	go s.cleanupLoop()

	if s.config.TLSEnabled {
		return s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully shuts down the server: live calls are force-ended so
// their terminal events and CRM records flush before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	close(s.done)

	s.logger.Info("server shutting down")

	var firstErr error
	if s.httpServer != nil {
		firstErr = s.httpServer.Shutdown(ctx)
	}
	if err := s.orch.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.traceShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// cleanupLoop periodically cleans up stale data: rate limiter buckets and
// terminal sessions past the retention window.
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup()
			s.sweepSessions()
		}
	}
}

// sweepSessions removes terminal sessions whose retention has lapsed.
func (s *Server) sweepSessions() {
	if s.config.SessionRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.config.SessionRetention)
	s.store.Each(func(sess *session.Session) {
		if !sess.State().Terminal() {
			return
		}
		if ended := sess.EndedAt(); !ended.IsZero() && ended.Before(cutoff) {
			s.store.Remove(sess.CallID)
			s.logger.Debug("session swept", "call_id", sess.CallID)
		}
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "healthy",
		"version": "1.0.0",
		"calls": map[string]any{
			"active": s.store.Len(),
		},
		"endpoints": map[string]any{
			"registered": s.registry.Len(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

type startCallRequest struct {
	CallID   string            `json:"call_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleStartCall handles POST /v1/calls.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}

	callID, err := s.orch.StartCall(r.Context(), req.CallID, req.Metadata)
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"call_id": callID,
		"state":   session.StateCreated,
	})
}

// handleGetCall handles GET /v1/calls/{id}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetStatus(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRecentCalls handles GET /v1/calls.
func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSONError(w, core.NewInvalidRequestError("Invalid limit"), requestIDFromContext(r.Context()))
			return
		}
		limit = parsed
	}

	recs, err := s.orch.Recent(r.Context(), limit)
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"calls": recs})
}

// handleAnswer handles POST /v1/calls/{id}/answer.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if err := s.orch.Answer(r.Context(), callID); err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"call_id": callID,
		"state":   session.StateInProgress,
	})
}

type turnRequest struct {
	Text   string `json:"text,omitempty"`
	Audio  string `json:"audio,omitempty"` // base64
	Format string `json:"format,omitempty"`
}

type turnResponse struct {
	CallID      string `json:"call_id"`
	Transcript  string `json:"transcript"`
	ReplyText   string `json:"reply_text"`
	ReplyAudio  string `json:"reply_audio,omitempty"` // base64
	AudioFormat string `json:"audio_format,omitempty"`
}

// handleTurn handles POST /v1/calls/{id}/turns.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	in, err := turnInput(req)
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	result, err := s.orch.ProcessTurn(r.Context(), callID, in)
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(turnResponse{
		CallID:      callID,
		Transcript:  result.Transcript,
		ReplyText:   result.ReplyText,
		ReplyAudio:  base64.StdEncoding.EncodeToString(result.ReplyAudio),
		AudioFormat: result.AudioFormat,
	})
}

func turnInput(req turnRequest) (pipeline.Input, error) {
	if req.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(req.Audio)
		if err != nil {
			return pipeline.Input{}, core.NewInvalidRequestError("Invalid audio data: " + err.Error())
		}
		return pipeline.Input{Audio: audio, Format: req.Format}, nil
	}
	if req.Text == "" {
		return pipeline.Input{}, core.NewInvalidRequestError("Either 'text' or 'audio' field is required")
	}
	return pipeline.Input{Text: req.Text}, nil
}

// handleEndCall handles POST /v1/calls/{id}/end.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orch.EndCall(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"call_id":          summary.CallID,
		"state":            summary.State,
		"duration_seconds": summary.Duration.Seconds(),
		"turns":            summary.Turns,
		"transcript":       summary.Transcript,
		"started_at":       summary.StartedAt,
		"ended_at":         summary.EndedAt,
	})
}

// handleIncoming handles POST /v1/telephony/incoming.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.IncomingCall
	if err := decodeBody(w, r, &req); err != nil {
		return
	}

	callID, err := s.orch.HandleIncoming(r.Context(), req)
	if err != nil {
		writeJSONError(w, normalizeError(err), requestIDFromContext(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"call_id": callID,
		"state":   session.StateCreated,
	})
}

// handleListEndpoints handles GET /v1/endpoints.
func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"endpoints": s.registry.List()})
}

type registerEndpointRequest struct {
	ID                     string   `json:"id"`
	URL                    string   `json:"url"`
	Secret                 string   `json:"secret,omitempty"`
	Events                 []string `json:"events"`
	MaxAttempts            int      `json:"max_attempts,omitempty"`
	InitialBackoffMs       int      `json:"initial_backoff_ms,omitempty"`
	MaxBackoffMs           int      `json:"max_backoff_ms,omitempty"`
	TimeoutMs              int      `json:"timeout_ms,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty"`
}

// handleRegisterEndpoint handles POST /v1/endpoints. Registering an existing
// id replaces the subscription.
func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registerEndpointRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.ID == "" || req.URL == "" || len(req.Events) == 0 {
		writeJSONError(w, core.NewInvalidRequestError("'id', 'url' and 'events' are required"), requestIDFromContext(r.Context()))
		return
	}

	events := make([]dispatch.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, dispatch.EventType(e))
	}
	sub := dispatch.Subscriber{
		ID:     req.ID,
		URL:    req.URL,
		Secret: req.Secret,
		Events: events,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:    req.MaxAttempts,
			InitialBackoff: time.Duration(req.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(req.MaxBackoffMs) * time.Millisecond,
			Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		},
		MaxConsecutiveFailures: req.MaxConsecutiveFailures,
	}
	s.registry.Register(sub)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

// handleUnregisterEndpoint handles DELETE /v1/endpoints/{id}.
func (s *Server) handleUnregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	s.registry.Unregister(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON request body, writing the error response itself
// on failure. An empty body decodes as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONErrorWithStatus(w, http.StatusRequestEntityTooLarge, core.NewInvalidRequestError("Request body too large"), requestIDFromContext(r.Context()))
			return err
		}
		writeJSONError(w, core.NewInvalidRequestError("Invalid JSON: "+err.Error()), requestIDFromContext(r.Context()))
		return err
	}
	return nil
}
