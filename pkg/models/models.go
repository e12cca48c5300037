package models

import (
	"strings"
	"time"
)

// ── Chat Users ───────────────────────────────────────────────

// User is a chat user as known to the transport.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// BotIDPrefix marks every AI bot user. Messages authored by a user whose
// ID carries this prefix are treated as model turns.
const BotIDPrefix = "ai-bot"

// IsBot reports whether the user is one of the AI bots.
func (u *User) IsBot() bool {
	return u != nil && strings.HasPrefix(u.ID, BotIDPrefix)
}

// ── Messages ─────────────────────────────────────────────────

// Message is a chat message. AIGenerated and Generating are custom
// fields stored alongside the message by the transport.
type Message struct {
	ID          string     `json:"id,omitempty"`
	Text        string     `json:"text"`
	User        *User      `json:"user,omitempty"`
	AIGenerated bool       `json:"ai_generated,omitempty"`
	Generating  bool       `json:"generating,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// ── Events ───────────────────────────────────────────────────

// Event types consumed and produced by the agent subsystem.
const (
	EventMessageNew        = "message.new"
	EventMessageUpdated    = "message.updated"
	EventMessageDeleted    = "message.deleted"
	EventHealthCheck       = "health.check"
	EventWatchingStart     = "user.watching.start"
	EventWatchingStop      = "user.watching.stop"
	EventAIIndicatorUpdate = "ai_indicator.update"
	EventAIIndicatorClear  = "ai_indicator.clear"
)

// AI indicator states carried on ai_indicator.update.
const (
	AIStateThinking = "AI_STATE_THINKING"
	AIStateError    = "AI_STATE_ERROR"
)

// Event is a transport event, inbound or outbound.
type Event struct {
	Type         string   `json:"type"`
	CID          string   `json:"cid,omitempty"`
	ChannelType  string   `json:"channel_type,omitempty"`
	ChannelID    string   `json:"channel_id,omitempty"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Message      *Message `json:"message,omitempty"`
	User         *User    `json:"user,omitempty"`
	AIState      string   `json:"ai_state,omitempty"`
	MessageID    string   `json:"message_id,omitempty"`
}

// CID joins a channel type and id the way the transport addresses channels.
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// ── Generative Requests ──────────────────────────────────────

// Role of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ConversationTurn is one entry of the context sent to the generative model.
type ConversationTurn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// GenerationParams bounds a single generative call.
type GenerationParams struct {
	MaxOutputTokens int     `json:"max_output_tokens"`
	Temperature     float64 `json:"temperature"`
}

// FinishReason is the provider-normalized completion status.
type FinishReason string

const (
	FinishStop   FinishReason = "STOP"
	FinishLength FinishReason = "LENGTH"
	FinishSafety FinishReason = "SAFETY"
	FinishOther  FinishReason = "OTHER"
)

// Candidate is one generated alternative.
type Candidate struct {
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// GenerateResult is what a Generator returns for one call.
type GenerateResult struct {
	Candidates  []Candidate `json:"candidates"`
	BlockReason string      `json:"block_reason,omitempty"`
}

// ── Agents ───────────────────────────────────────────────────

// AgentInfo describes a live agent for status listings.
type AgentInfo struct {
	BotID           string    `json:"bot_id"`
	ChannelType     string    `json:"channel_type"`
	ChannelID       string    `json:"channel_id"`
	StartedAt       time.Time `json:"started_at"`
	LastInteraction time.Time `json:"last_interaction"`
}
