package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the Conversate AI server.
type Config struct {
	Port     int    `env:"PORT" envDefault:"5001"`
	Version  string `env:"CONVERSATE_VERSION" envDefault:"0.1.0"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// APIKeys guard the /ai routes when non-empty.
	APIKeys        []string `env:"AI_API_KEYS" envSeparator:","`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	Telemetry TelemetryConfig
	Stream    StreamConfig
	Gemini    GeminiConfig
	Agents    AgentsConfig
}

type TelemetryConfig struct {
	Enabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"conversate-ai"`
}

// StreamConfig configures the Stream Chat binding. Key and secret are
// required; the server refuses to start without them.
type StreamConfig struct {
	APIKey    string  `env:"STREAM_API_KEY"`
	APISecret string  `env:"STREAM_API_SECRET"`
	BaseURL   string  `env:"STREAM_BASE_URL" envDefault:"https://chat.stream-io-api.com"`
	WSURL     string  `env:"STREAM_WS_URL" envDefault:"wss://chat.stream-io-api.com/connect"`
	RateLimit float64 `env:"STREAM_RATE_LIMIT" envDefault:"20"`
	RateBurst int     `env:"STREAM_RATE_BURST" envDefault:"40"`
}

// GeminiConfig configures the generative client. An empty APIKey does not
// stop the server; each agent fails its own init instead.
type GeminiConfig struct {
	APIKey  string `env:"GEMINI_API_KEY"`
	Model   string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	BaseURL string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
}

type AgentsConfig struct {
	SweepInterval       time.Duration `env:"AI_SWEEP_INTERVAL" envDefault:"5s"`
	InactivityThreshold time.Duration `env:"AI_INACTIVITY_THRESHOLD" envDefault:"8h"`
	ThinkingDelay       time.Duration `env:"AI_THINKING_DELAY" envDefault:"750ms"`
	SerializeTurns      bool          `env:"AI_SERIALIZE_TURNS" envDefault:"false"`
	BotName             string        `env:"AI_BOT_NAME" envDefault:"AI Assistant"`
	BotImage            string        `env:"AI_BOT_IMAGE" envDefault:"https://www.svgrepo.com/show/374555/bot.svg"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	if c.Stream.APIKey == "" || c.Stream.APISecret == "" {
		return fmt.Errorf("STREAM_API_KEY and STREAM_API_SECRET must be set")
	}
	if c.Agents.SweepInterval <= 0 {
		return fmt.Errorf("AI_SWEEP_INTERVAL must be positive, got %s", c.Agents.SweepInterval)
	}
	return nil
}
