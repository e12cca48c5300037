package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conversate/conversate/ai-server/internal/config"
	"github.com/conversate/conversate/ai-server/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *config.Config {
	return &config.Config{
		Port:           5001,
		Version:        "test",
		AllowedOrigins: []string{"*"},
		Stream: config.StreamConfig{
			APIKey:    "key",
			APISecret: "secret",
			BaseURL:   "http://127.0.0.1:1",
			WSURL:     "ws://127.0.0.1:1/connect",
		},
		Gemini: config.GeminiConfig{Model: "gemini-test"},
		Agents: config.AgentsConfig{
			SweepInterval:       time.Second,
			InactivityThreshold: time.Hour,
		},
	}
}

func TestNewWithConfig_RequiresStreamCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.APISecret = ""

	_, err := server.NewWithConfig(context.Background(), cfg)
	assert.ErrorContains(t, err, "STREAM_API_SECRET")
}

func TestNewWithConfig_Serves(t *testing.T) {
	srv, err := server.NewWithConfig(context.Background(), validConfig())
	require.NoError(t, err)
	t.Cleanup(func() { srv.ShutdownFunc(context.Background()) })

	assert.Equal(t, 5001, srv.Port)
	assert.Zero(t, srv.Supervisor.Status())

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ai/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activeAgents":0`)
}
