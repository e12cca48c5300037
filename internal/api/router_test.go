package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conversate/conversate/ai-server/internal/api"
	"github.com/conversate/conversate/ai-server/internal/api/handlers"
	"github.com/conversate/conversate/ai-server/internal/chattest"
	"github.com/conversate/conversate/ai-server/internal/config"
	"github.com/conversate/conversate/ai-server/internal/supervisor"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	handler http.Handler
	sup     *supervisor.Supervisor
	admin   *chattest.Admin
	dialer  *chattest.Dialer
}

func newEnv(t *testing.T, mutate ...func(*config.Config, *supervisor.Options)) *env {
	t.Helper()
	e := &env{admin: &chattest.Admin{}, dialer: &chattest.Dialer{}}
	gen := &chattest.Generator{Result: chattest.Reply("ok", models.FinishStop)}

	cfg := &config.Config{Version: "1.2.3", AllowedOrigins: []string{"*"}}
	opts := supervisor.Options{
		Admin:        e.admin,
		Dialer:       e.dialer,
		NewGenerator: gen.Factory(),
		GeminiAPIKey: "test-key",
	}
	for _, m := range mutate {
		m(cfg, &opts)
	}
	e.sup = supervisor.New(opts)
	e.handler = api.NewRouter(cfg, handlers.New(e.sup))
	return e
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHealthAndVersion(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	_, body = e.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, "1.2.3", body["version"])
}

func TestStatus(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/ai/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GetStream AI Server is running", body["message"])
	assert.Equal(t, float64(0), body["activeAgents"])
}

func TestStartAgent(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPost, "/ai/start-ai-agent", `{"channel_id":"messaging:room42"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AI Agent started", body["message"])
	assert.Equal(t, []any{}, body["data"])

	_, body = e.do(t, http.MethodGet, "/ai/", "")
	assert.Equal(t, float64(1), body["activeAgents"])

	added := e.admin.Added()
	require.Len(t, added, 1)
	assert.Equal(t, "messaging", added[0].ChannelType)
	assert.Equal(t, "room42", added[0].ChannelID)

	// Second start is a no-op success.
	w, _ = e.do(t, http.MethodPost, "/ai/start-ai-agent", `{"channel_id":"room42","channel_type":"messaging"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, e.dialer.Conns(), 1)
}

func TestStartAgent_MissingChannelID(t *testing.T) {
	e := newEnv(t)

	for _, body := range []string{`{}`, ``, `{"channel_type":"messaging"}`} {
		w, out := e.do(t, http.MethodPost, "/ai/start-ai-agent", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "Missing required fields: channel_id", out["error"])
	}
}

func TestStartAgent_ProvisioningFailure(t *testing.T) {
	e := newEnv(t, func(_ *config.Config, o *supervisor.Options) { o.GeminiAPIKey = "" })

	w, body := e.do(t, http.MethodPost, "/ai/start-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to start AI Agent", body["error"])
	assert.Equal(t, "gemini API key is required", body["reason"])
}

func TestStopAgent(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.sup.Start(context.Background(), "messaging", "general"))

	w, body := e.do(t, http.MethodPost, "/ai/stop-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AI Agent stopped", body["message"])
	assert.Zero(t, e.sup.Status())

	// Stopping again is still a success.
	w, _ = e.do(t, http.MethodPost, "/ai/stop-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStopAgent_Failures(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPost, "/ai/stop-ai-agent", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to stop AI Agent", body["error"])
	assert.NotEmpty(t, body["reason"])

	require.NoError(t, e.sup.Start(context.Background(), "messaging", "general"))
	e.admin.RemoveErr = errors.New("membership rejected")
	w, body = e.do(t, http.MethodPost, "/ai/stop-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["reason"], "membership rejected")
}

func TestListAgents(t *testing.T) {
	e := newEnv(t)

	_, body := e.do(t, http.MethodGet, "/ai/agents", "")
	assert.Equal(t, []any{}, body["agents"])

	require.NoError(t, e.sup.Start(context.Background(), "messaging", "general"))
	_, body = e.do(t, http.MethodGet, "/ai/agents", "")
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	assert.Equal(t, "ai-bot-general", first["bot_id"])
	assert.Equal(t, "general", first["channel_id"])
}

func TestAPIKeysGuardAIRoutes(t *testing.T) {
	e := newEnv(t, func(c *config.Config, _ *supervisor.Options) { c.APIKeys = []string{"secret"} })

	w, _ := e.do(t, http.MethodGet, "/ai/", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = e.do(t, http.MethodGet, "/ai/", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRoutes(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/ai/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "/ai/nope")

	w, body = e.do(t, http.MethodGet, "/ai/start-ai-agent", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, body["error"], "method not allowed")
}
