// Package handlers implements the HTTP handlers for the AI agent control
// surface consumed by the chat frontend.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/rs/zerolog/log"
)

// AgentSupervisor is what the handlers need from the supervisor.
type AgentSupervisor interface {
	Start(ctx context.Context, channelType, channelID string) error
	Stop(ctx context.Context, channelID string) error
	Status() int
	List() []models.AgentInfo
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Supervisor AgentSupervisor
}

// New creates a new Handlers instance.
func New(sup AgentSupervisor) *Handlers {
	return &Handlers{Supervisor: sup}
}

type startRequest struct {
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
}

type stopRequest struct {
	ChannelID string `json:"channel_id"`
}

type actionResponse struct {
	Message string `json:"message"`
	Data    []any  `json:"data"`
}

type failureResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// ── Service Handlers ─────────────────────────────────────────

const serviceName = "conversate-ai"

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

// Version reports the running build.
func (h *Handlers) Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"version": version, "service": serviceName})
	}
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "route not found: "+r.Method+" "+r.URL.Path)
}

func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed: "+r.Method+" "+r.URL.Path)
}

// ── Agent Handlers ───────────────────────────────────────────

// GetAgentStatus reports that the server is up and how many agents are live.
func (h *Handlers) GetAgentStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message":      "GetStream AI Server is running",
		"activeAgents": h.Supervisor.Status(),
	})
}

// ListAgents describes every live agent.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.Supervisor.List()
	if agents == nil {
		agents = []models.AgentInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// StartAgent provisions an agent for a channel.
func (h *Handlers) StartAgent(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ChannelID == "" {
		respondError(w, http.StatusBadRequest, "Missing required fields: channel_id")
		return
	}

	// Provisioning outlives a client that hangs up mid-request.
	ctx := context.WithoutCancel(r.Context())
	if err := h.Supervisor.Start(ctx, req.ChannelType, req.ChannelID); err != nil {
		log.Error().Err(err).Str("channel_id", req.ChannelID).Msg("Failed to start AI Agent")
		respondJSON(w, http.StatusInternalServerError, failureResponse{
			Error:  "Failed to start AI Agent",
			Reason: err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, actionResponse{Message: "AI Agent started", Data: []any{}})
}

// StopAgent tears down the agent for a channel.
func (h *Handlers) StopAgent(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("Stop request with unreadable body")
	}

	ctx := context.WithoutCancel(r.Context())
	if err := h.Supervisor.Stop(ctx, req.ChannelID); err != nil {
		log.Error().Err(err).Str("channel_id", req.ChannelID).Msg("Failed to stop AI Agent")
		respondJSON(w, http.StatusInternalServerError, failureResponse{
			Error:  "Failed to stop AI Agent",
			Reason: err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, actionResponse{Message: "AI Agent stopped", Data: []any{}})
}

// ── Helpers ──────────────────────────────────────────────────

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
