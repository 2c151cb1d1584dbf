package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/callcore-ai/callcore/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml/json)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	options := []server.ConfigOption{
		server.WithHost(cfg.Host),
		server.WithPort(cfg.Port),
		server.WithLogger(logger),
		server.WithAuthMode(cfg.AuthMode),
		server.WithProviders(cfg.Providers),
		server.WithPipeline(cfg.Pipeline),
		server.WithCRM(cfg.CRM),
		server.WithCallLog(cfg.CallLog),
		server.WithRateLimitConfig(cfg.RateLimit),
		server.WithObservability(cfg.Observability),
		server.WithAllowedOrigins(cfg.AllowedOrigins),
		server.WithRequestBodyLimit(cfg.MaxRequestBodyBytes),
		server.WithSessionRetention(cfg.SessionRetention),
		server.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.ShutdownTimeout),
	}
	for _, key := range cfg.APIKeys {
		options = append(options, server.WithAPIKey(key.Key, key.Name, key.UserID, key.RateLimit))
	}
	for _, ep := range cfg.Endpoints {
		options = append(options, server.WithEndpoint(ep))
	}
	if cfg.TLSEnabled {
		options = append(options, server.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}

	srv, err := server.NewServer(context.Background(), options...)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(cfg *server.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Observability.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
