// Package agent implements the per-channel AI chat bot.
//
// An Agent owns one bot's live transport connection and watches one
// channel on it. Messages starting with "@ai" are answered by the
// generative model:
//
//	message.new
//	    └─► filter ─► touch activity ─► trigger? ─► context
//	            └─► placeholder ─► thinking indicator ─► delay
//	                    └─► generate ─► update placeholder ─► clear indicator
//	                              └─(failure)─► "Error: ..." + error indicator
//
// Every triggered message gets exactly one placeholder and at most one
// terminal update to it. Nothing inside the turn escapes as a panic or
// an error; failures are rendered into the channel or logged.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrMissingAPIKey is returned by Init when no generative credential is configured.
var ErrMissingAPIKey = errors.New("gemini API key is required")

// ErrNotInitialized is returned when an agent is used before Init.
var ErrNotInitialized = errors.New("agent not initialized")

// DefaultGenerationParams are applied to every generative call.
var DefaultGenerationParams = models.GenerationParams{
	MaxOutputTokens: 2048,
	Temperature:     0.7,
}

// Options configures a new Agent.
type Options struct {
	BotID   string
	Conn    contracts.LiveConnection
	Channel contracts.Channel

	// APIKey is the generative credential, checked by Init.
	APIKey       string
	NewGenerator contracts.GeneratorFactory

	// ThinkingDelay is the pause between the thinking indicator and the
	// generative call.
	ThinkingDelay time.Duration

	// SerializeTurns makes triggered turns on this agent run one at a time.
	SerializeTurns bool

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Agent pairs a bot's live connection with one watched channel.
type Agent struct {
	botID   string
	conn    contracts.LiveConnection
	channel contracts.Channel

	apiKey       string
	newGenerator contracts.GeneratorFactory
	generator    contracts.Generator

	thinkingDelay time.Duration
	turnSlot      chan struct{} // nil unless turns are serialized
	now           func() time.Time

	startedAt time.Time

	mu              sync.Mutex
	lastInteraction time.Time

	seqMu    sync.Mutex
	lastTurn chan struct{}

	sub         contracts.Subscription
	disposeOnce sync.Once
	disposeErr  error
}

// New creates an agent bound to an open connection and a watched channel.
// Init must be called exactly once before the agent handles messages.
func New(opts Options) *Agent {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Agent{
		botID:         opts.BotID,
		conn:          opts.Conn,
		channel:       opts.Channel,
		apiKey:        opts.APIKey,
		newGenerator:  opts.NewGenerator,
		thinkingDelay: opts.ThinkingDelay,
		now:           now,
		startedAt:     now(),
	}
	a.lastInteraction = a.startedAt
	if opts.SerializeTurns {
		a.turnSlot = make(chan struct{}, 1)
	}
	return a
}

// Init validates the generative credential, builds the generative client
// and subscribes the agent to new channel messages.
func (a *Agent) Init(ctx context.Context) error {
	if a.apiKey == "" {
		log.Error().Str("bot_id", a.botID).Msg("GEMINI_API_KEY environment variable is missing")
		return ErrMissingAPIKey
	}
	if a.newGenerator == nil {
		return fmt.Errorf("agent %s: no generator factory configured", a.botID)
	}

	gen, err := a.newGenerator(a.apiKey)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	a.generator = gen
	a.sub = a.channel.On(models.EventMessageNew, a.onMessage)

	log.Info().
		Str("bot_id", a.botID).
		Str("channel_id", a.channel.ID()).
		Msg("Agent initialized, listening for messages")
	return nil
}

// Dispose unsubscribes the message handler and closes the live connection.
// Later calls return the first call's result. Turns already in flight are
// not cancelled; their remaining transport calls fail and are logged.
func (a *Agent) Dispose(ctx context.Context) error {
	a.disposeOnce.Do(func() {
		if a.sub != nil {
			a.sub.Unsubscribe()
		}
		if err := a.conn.Close(ctx); err != nil {
			a.disposeErr = fmt.Errorf("close connection: %w", err)
			return
		}
		log.Info().Str("bot_id", a.botID).Msg("Agent disposed")
	})
	return a.disposeErr
}

// LastInteraction returns when the agent last saw a human message.
func (a *Agent) LastInteraction() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInteraction
}

// BotID is the bot user id the agent posts as.
func (a *Agent) BotID() string { return a.botID }

// ChannelType and ChannelID identify the watched channel.
func (a *Agent) ChannelType() string { return a.channel.Type() }
func (a *Agent) ChannelID() string   { return a.channel.ID() }

// StartedAt is when the agent was created.
func (a *Agent) StartedAt() time.Time { return a.startedAt }

// Channel is the watched channel on the bot's own connection.
func (a *Agent) Channel() contracts.Channel { return a.channel }

// touch moves the last interaction forward; it never moves it back.
func (a *Agent) touch(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.lastInteraction) {
		a.lastInteraction = t
	}
}

// onMessage is the transport subscription. The turn is prepared on the
// delivery loop so turns keep delivery order and each context reflects
// the channel as it was when its trigger arrived; only the I/O runs on
// its own goroutine.
func (a *Agent) onMessage(ev *models.Event) {
	if t, ok := a.prepare(ev); ok {
		go a.serveTurn(context.Background(), t)
	}
}
