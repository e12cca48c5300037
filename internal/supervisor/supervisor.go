// Package supervisor owns the lifecycle of AI agents: it provisions a bot
// for a channel on start, tears it down on stop, and evicts agents that
// have been idle for too long.
//
// Architecture:
//
//	POST /ai/start-ai-agent
//	    └─► Supervisor.Start(channelType, channelID)
//	            ├─► Registry.Reserve(botID)          (pending)
//	            ├─► ChatAdmin.UpsertUser / CreateToken
//	            ├─► ChatDialer.Connect ─► Channel.Watch
//	            ├─► agent.New ─► Agent.Init
//	            ├─► ChatAdmin.AddMembers             (best effort)
//	            └─► Registry.Register ─► welcome     (best effort)
//
//	Supervisor.Run
//	    └─► every SweepInterval: Sweep ─► teardown(idle agents)
//
// Teardown always takes the registry entry first, so a concurrent stop and
// sweep can never dispose the same agent twice.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conversate/conversate/ai-server/internal/agent"
	"github.com/conversate/conversate/ai-server/internal/store"
	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("conversate-ai/supervisor")

// ErrMissingChannelID is returned by Stop when no channel id was given.
var ErrMissingChannelID = errors.New("channel_id is required")

const (
	// DefaultChannelType is used when a start request names no channel type.
	DefaultChannelType = "messaging"

	// DefaultSweepInterval is how often idle agents are looked for.
	DefaultSweepInterval = 5 * time.Second

	// DefaultInactivityThreshold is how long an agent may go without a
	// human message before it is evicted.
	DefaultInactivityThreshold = 480 * time.Minute

	DefaultBotName  = "AI Assistant"
	DefaultBotImage = "https://www.svgrepo.com/show/374555/bot.svg"

	// WelcomeText is posted by a newly registered bot.
	WelcomeText = "Hello! I'm your AI Assistant. To get my attention, please start your message with `@ai` followed by your question."
)

// NormalizeChannelID keeps only the id segment of a compound channel
// identifier such as "messaging:room42".
func NormalizeChannelID(raw string) string {
	if parts := strings.Split(raw, ":"); len(parts) > 1 {
		return parts[1]
	}
	return raw
}

// BotIdentity derives the bot user id for a channel. The id is the same
// for the raw and the normalized form of a channel identifier.
func BotIdentity(rawChannelID string) string {
	return models.BotIDPrefix + "-" + strings.ReplaceAll(NormalizeChannelID(rawChannelID), "!", "")
}

// Options configures a Supervisor.
type Options struct {
	Admin        contracts.ChatAdmin
	Dialer       contracts.ChatDialer
	NewGenerator contracts.GeneratorFactory
	Registry     store.Registry

	// GeminiAPIKey is handed to every agent; agents fail Init without it.
	GeminiAPIKey string

	BotName  string
	BotImage string

	ThinkingDelay  time.Duration
	SerializeTurns bool

	SweepInterval       time.Duration
	InactivityThreshold time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Supervisor starts, stops and sweeps agents. It is safe for concurrent use.
type Supervisor struct {
	admin        contracts.ChatAdmin
	dialer       contracts.ChatDialer
	newGenerator contracts.GeneratorFactory
	registry     store.Registry

	apiKey   string
	botName  string
	botImage string

	thinkingDelay  time.Duration
	serializeTurns bool

	sweepInterval       time.Duration
	inactivityThreshold time.Duration
	now                 func() time.Time
}

// New creates a Supervisor. Zero durations and names fall back to the
// package defaults; a nil Registry gets an in-memory one.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		admin:               opts.Admin,
		dialer:              opts.Dialer,
		newGenerator:        opts.NewGenerator,
		registry:            opts.Registry,
		apiKey:              opts.GeminiAPIKey,
		botName:             opts.BotName,
		botImage:            opts.BotImage,
		thinkingDelay:       opts.ThinkingDelay,
		serializeTurns:      opts.SerializeTurns,
		sweepInterval:       opts.SweepInterval,
		inactivityThreshold: opts.InactivityThreshold,
		now:                 opts.Now,
	}
	if s.registry == nil {
		s.registry = store.NewMemoryRegistry()
	}
	if s.botName == "" {
		s.botName = DefaultBotName
	}
	if s.botImage == "" {
		s.botImage = DefaultBotImage
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.inactivityThreshold <= 0 {
		s.inactivityThreshold = DefaultInactivityThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ── Status ──────────────────────────────────────────────────

// Status returns the number of live agents.
func (s *Supervisor) Status() int {
	return s.registry.Count()
}

// List describes every live agent, ordered by bot id.
func (s *Supervisor) List() []models.AgentInfo {
	snap := s.registry.Snapshot()
	out := make([]models.AgentInfo, 0, len(snap))
	for id, a := range snap {
		out = append(out, models.AgentInfo{
			BotID:           id,
			ChannelType:     a.ChannelType(),
			ChannelID:       a.ChannelID(),
			StartedAt:       a.StartedAt().UTC(),
			LastInteraction: a.LastInteraction().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// ── Start ───────────────────────────────────────────────────

// Start provisions an agent for the channel. Starting a channel that
// already has a live or provisioning agent is a successful no-op.
func (s *Supervisor) Start(ctx context.Context, channelType, rawChannelID string) (err error) {
	if channelType == "" {
		channelType = DefaultChannelType
	}
	channelID := NormalizeChannelID(rawChannelID)
	botID := BotIdentity(rawChannelID)

	ctx, span := tracer.Start(ctx, "supervisor.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.bot_id", botID),
		attribute.String("agent.channel_type", channelType),
		attribute.String("agent.channel_id", channelID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "start failed")
		}
	}()

	if !s.registry.Reserve(botID) {
		state := "active"
		if s.registry.Pending(botID) {
			state = "pending"
		}
		log.Info().Str("bot_id", botID).Str("state", state).Msg("AI Agent already started")
		return nil
	}
	defer s.registry.Release(botID)

	bot := models.User{ID: botID, Name: s.botName, Image: s.botImage, Role: "admin"}
	if err := s.admin.UpsertUser(ctx, bot); err != nil {
		return fmt.Errorf("upsert bot user: %w", err)
	}
	log.Info().Str("bot_id", botID).Str("name", s.botName).Msg("AI Bot user upserted")

	a, err := s.createAgent(ctx, bot, channelType, channelID)
	if err != nil {
		return err
	}

	if err := s.admin.AddMembers(ctx, channelType, channelID, []string{botID}); err != nil {
		log.Error().Err(err).Str("bot_id", botID).Str("channel_id", channelID).Msg("Failed to add AI bot to channel")
	} else {
		log.Info().Str("bot_id", botID).Str("channel_id", channelID).Msg("AI Bot added to channel")
	}

	if !s.registry.Register(botID, a) {
		log.Warn().Str("bot_id", botID).Msg("Duplicate AI Agent detected, disposing new instance")
		if err := a.Dispose(ctx); err != nil {
			log.Error().Err(err).Str("bot_id", botID).Msg("Failed to dispose duplicate AI Agent")
		}
		return nil
	}

	welcome := models.Message{Text: WelcomeText, User: &bot, AIGenerated: true}
	if _, err := a.Channel().SendMessage(ctx, welcome); err != nil {
		log.Error().Err(err).Str("bot_id", botID).Msg("Failed to send AI Assistant welcome message")
	}

	log.Info().
		Str("bot_id", botID).
		Str("channel_type", channelType).
		Str("channel_id", channelID).
		Msg("AI Agent started")
	return nil
}

// createAgent connects the bot, watches the channel and initializes the
// agent. The connection is closed again if any later step fails.
func (s *Supervisor) createAgent(ctx context.Context, bot models.User, channelType, channelID string) (*agent.Agent, error) {
	token, err := s.admin.CreateToken(bot.ID)
	if err != nil {
		return nil, fmt.Errorf("create bot token: %w", err)
	}

	conn, err := s.dialer.Connect(ctx, bot, token)
	if err != nil {
		return nil, fmt.Errorf("connect bot %s: %w", bot.ID, err)
	}

	ch := conn.Channel(channelType, channelID)
	if err := ch.Watch(ctx); err != nil {
		s.closeQuietly(ctx, conn, bot.ID)
		return nil, fmt.Errorf("watch channel %s: %w", models.CID(channelType, channelID), err)
	}

	a := agent.New(agent.Options{
		BotID:          bot.ID,
		Conn:           conn,
		Channel:        ch,
		APIKey:         s.apiKey,
		NewGenerator:   s.newGenerator,
		ThinkingDelay:  s.thinkingDelay,
		SerializeTurns: s.serializeTurns,
		Now:            s.now,
	})
	if err := a.Init(ctx); err != nil {
		s.closeQuietly(ctx, conn, bot.ID)
		return nil, err
	}
	return a, nil
}

func (s *Supervisor) closeQuietly(ctx context.Context, conn contracts.LiveConnection, botID string) {
	if err := conn.Close(ctx); err != nil {
		log.Warn().Err(err).Str("bot_id", botID).Msg("Failed to close bot connection")
	}
}

// ── Stop ────────────────────────────────────────────────────

// Stop tears down the agent for the channel. Stopping a channel without a
// live agent is a successful no-op.
func (s *Supervisor) Stop(ctx context.Context, rawChannelID string) (err error) {
	if rawChannelID == "" {
		return ErrMissingChannelID
	}
	botID := BotIdentity(rawChannelID)

	ctx, span := tracer.Start(ctx, "supervisor.stop")
	defer span.End()
	span.SetAttributes(attribute.String("agent.bot_id", botID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stop failed")
		}
	}()

	a, ok := s.registry.Take(botID)
	if !ok {
		log.Info().Str("bot_id", botID).Msg("AI Agent not found or already stopped")
		return nil
	}
	if err := s.teardown(ctx, botID, a); err != nil {
		return err
	}
	log.Info().Str("bot_id", botID).Msg("AI Agent stopped")
	return nil
}

// teardown disposes an agent that was already taken out of the registry
// and removes its bot from the channel membership.
func (s *Supervisor) teardown(ctx context.Context, botID string, a contracts.ManagedAgent) error {
	disposeErr := a.Dispose(ctx)
	if disposeErr != nil {
		disposeErr = fmt.Errorf("dispose %s: %w", botID, disposeErr)
	}

	removeErr := s.admin.RemoveMembers(ctx, a.ChannelType(), a.ChannelID(), []string{botID})
	if removeErr != nil {
		removeErr = fmt.Errorf("remove %s from channel %s: %w", botID, a.ChannelID(), removeErr)
	} else {
		log.Info().Str("bot_id", botID).Str("channel_id", a.ChannelID()).Msg("AI Agent removed from channel")
	}
	return errors.Join(disposeErr, removeErr)
}

// ── Sweep ───────────────────────────────────────────────────

// Run sweeps for idle agents every SweepInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.sweepInterval).
		Dur("threshold", s.inactivityThreshold).
		Msg("Idle sweep started")

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Idle sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts every agent idle for longer than the inactivity threshold
// and returns how many were evicted. A failure on one agent is logged and
// does not stop the sweep.
func (s *Supervisor) Sweep(ctx context.Context) int {
	now := s.now()
	evicted := 0
	for id, a := range s.registry.Snapshot() {
		if now.Sub(a.LastInteraction()) <= s.inactivityThreshold {
			continue
		}
		// A concurrent stop may have taken it already.
		if !s.registry.TakeIf(id, a) {
			continue
		}
		log.Info().Str("bot_id", id).Time("last_interaction", a.LastInteraction()).Msg("Disposing AI Agent due to inactivity")
		evicted++
		if err := s.teardown(ctx, id, a); err != nil {
			log.Error().Err(err).Str("bot_id", id).Msg("Idle sweep: teardown failed")
		}
	}
	return evicted
}

// StopAll tears down every live agent. It is used on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	snap := s.registry.Snapshot()
	for id, a := range snap {
		if !s.registry.TakeIf(id, a) {
			continue
		}
		if err := s.teardown(ctx, id, a); err != nil {
			log.Error().Err(err).Str("bot_id", id).Msg("Shutdown: teardown failed")
		}
	}
	if len(snap) > 0 {
		log.Info().Int("agents", len(snap)).Msg("All AI Agents stopped")
	}
}
