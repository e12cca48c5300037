// Package api assembles the HTTP surface: middleware chain, health
// endpoints and the /ai agent control routes used by the chat frontend.
package api

import (
	"net/http"

	"github.com/conversate/conversate/ai-server/internal/api/handlers"
	"github.com/conversate/conversate/ai-server/internal/api/middleware"
	"github.com/conversate/conversate/ai-server/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	r.Get("/health", h.Health)
	r.Get("/version", h.Version(cfg.Version))

	r.Route("/ai", func(r chi.Router) {
		r.Get("/", h.GetAgentStatus)
		r.Get("/agents", h.ListAgents)
		r.Post("/start-ai-agent", h.StartAgent)
		r.Post("/stop-ai-agent", h.StopAgent)
	})

	return r
}
