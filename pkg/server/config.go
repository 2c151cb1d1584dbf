// Package server provides the callcore HTTP/WebSocket API server.
package server

import (
	"log/slog"
	"os"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server settings
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// TLS settings
	TLSEnabled  bool   `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file" yaml:"tls_key_file"`

	// Authentication
	AuthMode string         `json:"auth_mode" yaml:"auth_mode"` // api_key, none
	APIKeys  []APIKeyConfig `json:"api_keys" yaml:"api_keys"`

	// Speech and language providers
	Providers ProvidersConfig `json:"providers" yaml:"providers"`

	// Turn pipeline tuning
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// CRM integration
	CRM CRMConfig `json:"crm" yaml:"crm"`

	// Call log persistence
	CallLog CallLogConfig `json:"call_log" yaml:"call_log"`

	// Webhook endpoints registered at startup
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Observability
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`

	// CORS
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`

	// Request limits
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes" yaml:"max_request_body_bytes"`

	// How long ended sessions stay queryable before the sweep removes them.
	SessionRetention time.Duration `json:"session_retention" yaml:"session_retention"`

	// Timeouts
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Logger
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// APIKeyConfig defines an API key with associated metadata.
type APIKeyConfig struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	UserID    string `json:"user_id" yaml:"user_id"`
	RateLimit int    `json:"rate_limit" yaml:"rate_limit"` // per-key rate limit (requests/min)
}

// ProvidersConfig selects the speech and language adapters.
type ProvidersConfig struct {
	STT    string `json:"stt" yaml:"stt"` // mock, whisper
	LLM    string `json:"llm" yaml:"llm"` // mock, openai, gemini
	TTS    string `json:"tts" yaml:"tts"` // mock, openai
	STTKey string `json:"stt_key" yaml:"stt_key"`
	LLMKey string `json:"llm_key" yaml:"llm_key"`
	TTSKey string `json:"tts_key" yaml:"tts_key"`
}

// PipelineConfig tunes turn processing.
type PipelineConfig struct {
	StageTimeout  time.Duration `json:"stage_timeout" yaml:"stage_timeout"`
	HistoryWindow int           `json:"history_window" yaml:"history_window"`
	SystemPrompt  string        `json:"system_prompt" yaml:"system_prompt"`
	Voice         string        `json:"voice" yaml:"voice"`
	SampleRate    int           `json:"sample_rate" yaml:"sample_rate"`
}

// CRMConfig configures the CRM sink.
type CRMConfig struct {
	Kind    string `json:"kind" yaml:"kind"` // none, webhook
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// CallLogConfig configures finished-call persistence.
type CallLogConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // memory, postgres
	DSN      string `json:"dsn" yaml:"dsn"`
	Capacity int    `json:"capacity" yaml:"capacity"` // memory backend only
}

// EndpointConfig registers a webhook subscriber at startup.
type EndpointConfig struct {
	ID                     string        `json:"id" yaml:"id"`
	URL                    string        `json:"url" yaml:"url"`
	Secret                 string        `json:"secret" yaml:"secret"`
	Events                 []string      `json:"events" yaml:"events"`
	MaxAttempts            int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff         time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff             time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Timeout                time.Duration `json:"timeout" yaml:"timeout"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled toggles rate limiting on or off.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Global limits
	GlobalRequestsPerMinute int `json:"global_requests_per_minute" yaml:"global_requests_per_minute"`

	// Per-user defaults (can be overridden per API key)
	UserRequestsPerMinute int `json:"user_requests_per_minute" yaml:"user_requests_per_minute"`

	// Live call limits
	MaxConcurrentCalls int           `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	CallIdleTimeout    time.Duration `json:"call_idle_timeout" yaml:"call_idle_timeout"`
}

// ObservabilityConfig configures metrics, logging, and tracing.
type ObservabilityConfig struct {
	// Metrics
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "json" or "text"

	// Tracing
	TracingEnabled  bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint string `json:"tracing_endpoint" yaml:"tracing_endpoint"`
	ServiceName     string `json:"service_name" yaml:"service_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8080,

		AuthMode: "api_key",

		Providers: ProvidersConfig{
			STT: "mock",
			LLM: "mock",
			TTS: "mock",
		},

		Pipeline: PipelineConfig{
			StageTimeout:  30 * time.Second,
			HistoryWindow: 20,
			SampleRate:    16000,
		},

		CRM: CRMConfig{Kind: "none"},

		CallLog: CallLogConfig{
			Backend:  "memory",
			Capacity: 1000,
		},

		RateLimit: RateLimitConfig{
			Enabled:                 true,
			GlobalRequestsPerMinute: 1000000,
			UserRequestsPerMinute:   100000,
			MaxConcurrentCalls:      1000,
			CallIdleTimeout:         5 * time.Minute,
		},

		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			LogLevel:       "info",
			LogFormat:      "json",
			TracingEnabled: false,
			ServiceName:    "callcore",
		},

		SessionRetention: 10 * time.Minute,

		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		AllowedOrigins:      []string{"*"},
		MaxRequestBodyBytes: 10 << 20,

		Logger: slog.Default(),
	}
}

// LoadProviderKeysFromEnv fills empty provider keys from environment
// variables.
func (c *Config) LoadProviderKeysFromEnv() {
	if c.Providers.STTKey == "" {
		c.Providers.STTKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.TTSKey == "" {
		c.Providers.TTSKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.LLMKey == "" {
		switch c.Providers.LLM {
		case "gemini":
			c.Providers.LLMKey = os.Getenv("GOOGLE_API_KEY")
		default:
			c.Providers.LLMKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.CRM.APIKey == "" {
		c.CRM.APIKey = os.Getenv("CRM_API_KEY")
	}
	if c.CallLog.DSN == "" {
		c.CallLog.DSN = os.Getenv("CALLCORE_DB_DSN")
	}
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// WithHost sets the server host.
func WithHost(host string) ConfigOption {
	return func(c *Config) {
		c.Host = host
	}
}

// WithPort sets the server port.
func WithPort(port int) ConfigOption {
	return func(c *Config) {
		c.Port = port
	}
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) ConfigOption {
	return func(c *Config) {
		c.TLSEnabled = true
		c.TLSCertFile = certFile
		c.TLSKeyFile = keyFile
	}
}

// WithAuthMode sets the authentication mode.
func WithAuthMode(mode string) ConfigOption {
	return func(c *Config) {
		c.AuthMode = mode
	}
}

// WithAPIKey adds an API key.
func WithAPIKey(key, name, userID string, rateLimit int) ConfigOption {
	return func(c *Config) {
		c.APIKeys = append(c.APIKeys, APIKeyConfig{
			Key:       key,
			Name:      name,
			UserID:    userID,
			RateLimit: rateLimit,
		})
	}
}

// WithProviders sets the speech and language provider selection.
func WithProviders(cfg ProvidersConfig) ConfigOption {
	return func(c *Config) {
		c.Providers = cfg
	}
}

// WithPipeline sets the turn pipeline tuning.
func WithPipeline(cfg PipelineConfig) ConfigOption {
	return func(c *Config) {
		c.Pipeline = cfg
	}
}

// WithCRM sets the CRM sink configuration.
func WithCRM(cfg CRMConfig) ConfigOption {
	return func(c *Config) {
		c.CRM = cfg
	}
}

// WithCallLog sets the call log backend.
func WithCallLog(cfg CallLogConfig) ConfigOption {
	return func(c *Config) {
		c.CallLog = cfg
	}
}

// WithEndpoint adds a startup webhook subscriber.
func WithEndpoint(ep EndpointConfig) ConfigOption {
	return func(c *Config) {
		c.Endpoints = append(c.Endpoints, ep)
	}
}

// WithRateLimitConfig sets rate limiting configuration.
func WithRateLimitConfig(cfg RateLimitConfig) ConfigOption {
	return func(c *Config) {
		c.RateLimit = cfg
	}
}

// WithObservability sets observability configuration.
func WithObservability(cfg ObservabilityConfig) ConfigOption {
	return func(c *Config) {
		c.Observability = cfg
	}
}

// WithAllowedOrigins sets allowed CORS origins.
func WithAllowedOrigins(origins []string) ConfigOption {
	return func(c *Config) {
		c.AllowedOrigins = origins
	}
}

// WithRequestBodyLimit sets max request body size in bytes.
func WithRequestBodyLimit(limit int64) ConfigOption {
	return func(c *Config) {
		c.MaxRequestBodyBytes = limit
	}
}

// WithSessionRetention sets how long ended sessions stay queryable.
func WithSessionRetention(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.SessionRetention = d
	}
}

// WithTimeouts sets server timeouts.
func WithTimeouts(read, write, shutdown time.Duration) ConfigOption {
	return func(c *Config) {
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
		if shutdown > 0 {
			c.ShutdownTimeout = shutdown
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) ConfigOption {
	return func(c *Config) {
		c.Observability.MetricsEnabled = enabled
	}
}
