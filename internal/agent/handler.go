package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("conversate-ai/agent")

// turn is a triggered message whose context was captured on delivery.
type turn struct {
	triggerID string
	turns     []models.ConversationTurn

	// after is closed once the previous turn reached its generative call.
	after <-chan struct{}
	begin func()
}

// HandleMessage runs the message protocol for one inbound event. It
// returns once the turn reached its terminal state; it never returns an
// error because every failure is rendered into the channel or logged.
func (a *Agent) HandleMessage(ctx context.Context, ev *models.Event) {
	if t, ok := a.prepare(ev); ok {
		a.serveTurn(ctx, t)
	}
}

// prepare does everything that must happen in delivery order: filtering,
// activity, trigger detection and the context snapshot. It does no I/O.
func (a *Agent) prepare(ev *models.Event) (*turn, bool) {
	if a.generator == nil {
		log.Error().Str("bot_id", a.botID).Err(ErrNotInitialized).Msg("Message dropped")
		return nil, false
	}
	if ev == nil || ev.Message == nil {
		return nil, false
	}
	msg := ev.Message
	if msg.AIGenerated || strings.TrimSpace(msg.Text) == "" {
		return nil, false
	}

	// Plain chatter counts as activity too, so idle eviction never races
	// a user who is talking without addressing the bot.
	a.touch(a.now())

	content, ok := ParseTrigger(msg.Text)
	if !ok {
		return nil, false
	}

	log.Debug().
		Str("bot_id", a.botID).
		Str("message_id", msg.ID).
		Str("content", content).
		Msg("Processing message with AI keyword")

	t := &turn{
		triggerID: msg.ID,
		turns:     BuildContext(a.channel.RecentMessages(ContextWindow+1), msg, content),
	}
	t.after, t.begin = a.enqueue()
	return t, true
}

// enqueue chains a turn behind the previously delivered one. The returned
// begin func releases the next turn and is safe to call more than once.
func (a *Agent) enqueue() (<-chan struct{}, func()) {
	started := make(chan struct{})
	var once sync.Once

	a.seqMu.Lock()
	after := a.lastTurn
	a.lastTurn = started
	a.seqMu.Unlock()

	return after, func() { once.Do(func() { close(started) }) }
}

// serveTurn waits for its predecessor to reach the model, then runs. The
// model calls themselves overlap unless turns are serialized.
func (a *Agent) serveTurn(ctx context.Context, t *turn) {
	defer t.begin()

	if t.after != nil {
		select {
		case <-t.after:
		case <-ctx.Done():
			return
		}
	}
	if a.turnSlot != nil {
		a.turnSlot <- struct{}{}
		defer func() { <-a.turnSlot }()
	}
	a.runTurn(ctx, t)
}

// runTurn sends the placeholder, produces the answer and renders failures.
func (a *Agent) runTurn(ctx context.Context, t *turn) {
	ctx, span := tracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.bot_id", a.botID),
		attribute.String("agent.channel_id", a.channel.ID()),
		attribute.String("agent.trigger_message_id", t.triggerID),
		attribute.Int("agent.context_turns", len(t.turns)),
	)

	placeholder, err := a.channel.SendMessage(ctx, models.Message{Text: "", AIGenerated: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "placeholder failed")
		log.Error().Err(err).Str("bot_id", a.botID).Msg("Failed to send placeholder message")
		return
	}

	if err := a.respond(ctx, placeholder.ID, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		log.Error().
			Err(err).
			Str("bot_id", a.botID).
			Str("message_id", placeholder.ID).
			Msg("Error during content generation or message handling")
		a.renderError(ctx, placeholder.ID, err)
	}
}

func (a *Agent) respond(ctx context.Context, messageID string, t *turn) error {
	thinking := models.Event{
		Type:      models.EventAIIndicatorUpdate,
		AIState:   models.AIStateThinking,
		MessageID: messageID,
	}
	if err := a.channel.SendEvent(ctx, thinking); err != nil {
		log.Warn().Err(err).Str("bot_id", a.botID).Msg("Failed to send AI thinking indicator")
	}

	if err := sleep(ctx, a.thinkingDelay); err != nil {
		return err
	}

	t.begin()
	res, err := a.generator.Generate(ctx, t.turns, DefaultGenerationParams)
	if err != nil {
		return err
	}

	if res != nil && len(res.Candidates) > 0 && res.Candidates[0].FinishReason == models.FinishLength {
		log.Warn().Str("bot_id", a.botID).Msg("Response was truncated due to LENGTH, appending notice")
	}
	text := ResponseText(res)

	if err := a.channel.UpdateMessage(ctx, messageID, text); err != nil {
		return err
	}

	cleared := models.Event{Type: models.EventAIIndicatorClear, MessageID: messageID}
	if err := a.channel.SendEvent(ctx, cleared); err != nil {
		log.Warn().Err(err).Str("bot_id", a.botID).Msg("Failed to clear AI indicator")
	}
	return nil
}

// renderError overwrites the placeholder with the failure. Both steps are
// best effort; a secondary failure is logged and dropped.
func (a *Agent) renderError(ctx context.Context, messageID string, cause error) {
	reason := cause.Error()
	if reason == "" {
		reason = "Failed to get a response from AI."
	}

	if err := a.channel.UpdateMessage(ctx, messageID, "Error: "+reason); err != nil {
		log.Error().Err(err).Str("bot_id", a.botID).Msg("Failed to render error message")
		return
	}

	indicator := models.Event{
		Type:      models.EventAIIndicatorUpdate,
		AIState:   models.AIStateError,
		MessageID: messageID,
	}
	if err := a.channel.SendEvent(ctx, indicator); err != nil {
		log.Error().Err(err).Str("bot_id", a.botID).Msg("Failed to send error indicator")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
