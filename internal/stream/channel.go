package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Channel is a user's view of one channel over a live connection. It
// implements contracts.Channel. REST calls authenticate with the
// connection's user token.
type Channel struct {
	conn   *Conn
	typ    string
	id     string
	buffer *MessageBuffer

	mu       sync.Mutex
	handlers map[string]map[uint64]contracts.EventHandler
	nextSub  uint64
}

func newChannel(conn *Conn, channelType, channelID string) *Channel {
	return &Channel{
		conn:     conn,
		typ:      channelType,
		id:       channelID,
		buffer:   NewMessageBuffer(DefaultBufferSize),
		handlers: make(map[string]map[uint64]contracts.EventHandler),
	}
}

func (ch *Channel) Type() string { return ch.typ }
func (ch *Channel) ID() string   { return ch.id }
func (ch *Channel) CID() string  { return models.CID(ch.typ, ch.id) }

type queryChannelResponse struct {
	Messages []models.Message `json:"messages"`
}

// Watch subscribes the connection to the channel's events and seeds the
// local message cache with the channel's latest messages.
func (ch *Channel) Watch(ctx context.Context) error {
	body := map[string]any{
		"state":    true,
		"watch":    true,
		"messages": map[string]int{"limit": DefaultBufferSize},
	}
	q := url.Values{"connection_id": {ch.conn.connectionID}}

	var resp queryChannelResponse
	if err := ch.call(ctx, http.MethodPost, channelPath(ch.typ, ch.id)+"/query", q, body, &resp); err != nil {
		return fmt.Errorf("watch %s: %w", ch.CID(), err)
	}
	ch.buffer.Reset(resp.Messages)
	log.Debug().
		Str("cid", ch.CID()).
		Str("connection_id", ch.conn.ConnectionID()).
		Int("cached_messages", ch.buffer.Len()).
		Msg("Watching channel")
	return nil
}

type messageResponse struct {
	Message models.Message `json:"message"`
}

// SendMessage posts msg as the connected user. An id is generated when msg
// has none so the message can be addressed before the server answers.
func (ch *Channel) SendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	// The author is always the connected user.
	msg.User = nil

	var resp messageResponse
	if err := ch.call(ctx, http.MethodPost, channelPath(ch.typ, ch.id)+"/message", nil, map[string]any{"message": msg}, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if resp.Message.ID == "" {
		resp.Message = msg
	}
	ch.buffer.Append(resp.Message)
	return &resp.Message, nil
}

// UpdateMessage replaces a message's text and clears its generating flag.
func (ch *Channel) UpdateMessage(ctx context.Context, messageID, text string) error {
	body := map[string]any{
		"set": map[string]any{"text": text, "generating": false},
	}
	if err := ch.call(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), nil, body, nil); err != nil {
		return fmt.Errorf("update message %s: %w", messageID, err)
	}
	ch.buffer.SetText(messageID, text)
	return nil
}

// SendEvent emits a custom event on the channel.
func (ch *Channel) SendEvent(ctx context.Context, ev models.Event) error {
	if err := ch.call(ctx, http.MethodPost, channelPath(ch.typ, ch.id)+"/event", nil, map[string]any{"event": ev}, nil); err != nil {
		return fmt.Errorf("send event %s: %w", ev.Type, err)
	}
	return nil
}

// RecentMessages returns up to n cached messages, oldest first.
func (ch *Channel) RecentMessages(n int) []models.Message {
	return ch.buffer.Recent(n)
}

func (ch *Channel) call(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if ch.conn.closed() {
		return ErrConnectionClosed
	}
	return ch.conn.client.do(ctx, method, path, q, ch.conn.token, in, out)
}

// ── Subscriptions ───────────────────────────────────────────

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

// On registers handler for events of eventType on this channel. Handlers
// run on the connection's read loop and must not block.
func (ch *Channel) On(eventType string, handler contracts.EventHandler) contracts.Subscription {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.handlers[eventType] == nil {
		ch.handlers[eventType] = make(map[uint64]contracts.EventHandler)
	}
	id := ch.nextSub
	ch.nextSub++
	ch.handlers[eventType][id] = handler

	return &subscription{cancel: func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.handlers[eventType], id)
	}}
}

// handle keeps the cache current, then fans ev out to its subscribers.
func (ch *Channel) handle(ev *models.Event) {
	switch ev.Type {
	case models.EventMessageNew, models.EventMessageUpdated:
		if ev.Message != nil {
			ch.buffer.Append(*ev.Message)
		}
	case models.EventMessageDeleted:
		if ev.Message != nil {
			ch.buffer.Delete(ev.Message.ID)
		}
	}

	ch.mu.Lock()
	hs := make([]contracts.EventHandler, 0, len(ch.handlers[ev.Type]))
	for _, h := range ch.handlers[ev.Type] {
		hs = append(hs, h)
	}
	ch.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
