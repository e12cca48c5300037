// Package contracts defines the capability interfaces the AI agent
// subsystem consumes.
//
// The chat transport and the generative provider are external
// collaborators. internal/stream and internal/gemini ship the production
// implementations; internal/chattest ships in-memory fakes. Swapping one
// for another is a single line change in pkg/server.
package contracts

import (
	"context"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/models"
)

// ── Chat Transport ──────────────────────────────────────────

// ChatAdmin is the administrative (server-side) transport connection.
type ChatAdmin interface {
	// UpsertUser creates or updates a transport user.
	UpsertUser(ctx context.Context, user models.User) error

	// CreateToken issues a client token for the given user.
	CreateToken(userID string) (string, error)

	// AddMembers adds users to a channel's membership.
	AddMembers(ctx context.Context, channelType, channelID string, userIDs []string) error

	// RemoveMembers removes users from a channel's membership.
	RemoveMembers(ctx context.Context, channelType, channelID string, userIDs []string) error
}

// ChatDialer opens live, per-user transport connections.
type ChatDialer interface {
	Connect(ctx context.Context, user models.User, token string) (LiveConnection, error)
}

// LiveConnection is an authenticated transport session owned by one bot.
type LiveConnection interface {
	// Channel returns a handle for the given channel on this connection.
	// The handle is only usable while the connection is open.
	Channel(channelType, channelID string) Channel

	// Close ends the session. Safe to call more than once.
	Close(ctx context.Context) error
}

// EventHandler receives transport events. Handlers are invoked in
// delivery order and must not block the delivery loop for long.
type EventHandler func(ev *models.Event)

// Subscription is returned by Channel.On. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Channel is one chat channel seen through a live connection.
type Channel interface {
	Type() string
	ID() string

	// Watch subscribes the connection to channel events and loads the
	// recent message state into the local cache.
	Watch(ctx context.Context) error

	// SendMessage posts a message and returns it as stored.
	SendMessage(ctx context.Context, msg models.Message) (*models.Message, error)

	// UpdateMessage replaces a message's text and clears its generating flag.
	UpdateMessage(ctx context.Context, messageID, text string) error

	// SendEvent emits an ephemeral event on the channel.
	SendEvent(ctx context.Context, ev models.Event) error

	// On subscribes to events of the given type on this channel.
	On(eventType string, handler EventHandler) Subscription

	// RecentMessages returns up to n messages from the local cache, oldest first.
	RecentMessages(n int) []models.Message
}

// ── Generative Provider ─────────────────────────────────────

// Generator produces model output for a structured conversation.
type Generator interface {
	Generate(ctx context.Context, turns []models.ConversationTurn, params models.GenerationParams) (*models.GenerateResult, error)
}

// GeneratorFactory builds a Generator from an API credential.
type GeneratorFactory func(apiKey string) (Generator, error)

// ── Agents ──────────────────────────────────────────────────

// ManagedAgent is the view of an agent the registry and supervisor need.
type ManagedAgent interface {
	BotID() string
	ChannelType() string
	ChannelID() string
	StartedAt() time.Time
	LastInteraction() time.Time
	Dispose(ctx context.Context) error
}
