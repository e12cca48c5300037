// Package server provides the public entry point for initializing the
// Conversate AI server.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// compose the server with their own middleware in front of it.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Supervisor.Run(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/conversate/conversate/ai-server/internal/api"
	"github.com/conversate/conversate/ai-server/internal/api/handlers"
	"github.com/conversate/conversate/ai-server/internal/config"
	"github.com/conversate/conversate/ai-server/internal/gemini"
	"github.com/conversate/conversate/ai-server/internal/store"
	"github.com/conversate/conversate/ai-server/internal/stream"
	"github.com/conversate/conversate/ai-server/internal/supervisor"
	"github.com/conversate/conversate/ai-server/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized AI server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Supervisor owns the live agents. The caller runs its sweep loop and
	// calls StopAll on shutdown.
	Supervisor *supervisor.Supervisor

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc telemetry.ShutdownFunc
}

// New loads configuration from the environment and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	chat, err := stream.NewClient(cfg.Stream.APIKey, cfg.Stream.APISecret,
		stream.WithBaseURL(cfg.Stream.BaseURL),
		stream.WithWSURL(cfg.Stream.WSURL),
		stream.WithRateLimit(cfg.Stream.RateLimit, cfg.Stream.RateBurst),
	)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("init stream client: %w", err)
	}
	log.Info().Str("base_url", cfg.Stream.BaseURL).Msg("✅ Stream Chat client initialized")

	if cfg.Gemini.APIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY is not set; agents will fail to start")
	}

	sup := supervisor.New(supervisor.Options{
		Admin:  chat,
		Dialer: chat,
		NewGenerator: gemini.Factory(
			gemini.WithModel(cfg.Gemini.Model),
			gemini.WithBaseURL(cfg.Gemini.BaseURL),
		),
		Registry:            store.NewMemoryRegistry(),
		GeminiAPIKey:        cfg.Gemini.APIKey,
		BotName:             cfg.Agents.BotName,
		BotImage:            cfg.Agents.BotImage,
		ThinkingDelay:       cfg.Agents.ThinkingDelay,
		SerializeTurns:      cfg.Agents.SerializeTurns,
		SweepInterval:       cfg.Agents.SweepInterval,
		InactivityThreshold: cfg.Agents.InactivityThreshold,
	})
	log.Info().
		Str("model", cfg.Gemini.Model).
		Dur("inactivity_threshold", cfg.Agents.InactivityThreshold).
		Msg("✅ Agent supervisor initialized")

	router := api.NewRouter(cfg, handlers.New(sup))

	return &Server{
		Handler:      router,
		Supervisor:   sup,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
