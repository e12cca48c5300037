// Package chattest provides in-memory fakes of the chat transport and
// generative contracts. Every fake records the calls made on it so tests
// can assert exactly which transport operations a code path performed.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/google/uuid"
)

// ── Channel ─────────────────────────────────────────────────

// Update records one UpdateMessage call.
type Update struct {
	MessageID string
	Text      string
}

// Channel is a fake contracts.Channel.
type Channel struct {
	mu       sync.Mutex
	typ, id  string
	cache    []models.Message
	sent     []models.Message
	updates  []Update
	events   []models.Event
	watched  int
	handlers map[string]map[int]contracts.EventHandler
	nextSub  int

	// Failure hooks. A nil hook succeeds.
	WatchErr       error
	SendMessageErr error
	UpdateErr      error
	SendEventErr   func(ev models.Event) error
}

// NewChannel creates an empty fake channel.
func NewChannel(channelType, channelID string) *Channel {
	return &Channel{
		typ:      channelType,
		id:       channelID,
		handlers: make(map[string]map[int]contracts.EventHandler),
	}
}

func (c *Channel) Type() string { return c.typ }
func (c *Channel) ID() string   { return c.id }

func (c *Channel) Watch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched++
	return c.WatchErr
}

func (c *Channel) SendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendMessageErr != nil {
		c.sent = append(c.sent, msg)
		return nil, c.SendMessageErr
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	c.sent = append(c.sent, msg)
	c.cache = append(c.cache, msg)
	out := msg
	return &out, nil
}

func (c *Channel) UpdateMessage(ctx context.Context, messageID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, Update{MessageID: messageID, Text: text})
	if c.UpdateErr != nil {
		return c.UpdateErr
	}
	for i := range c.cache {
		if c.cache[i].ID == messageID {
			c.cache[i].Text = text
			c.cache[i].Generating = false
		}
	}
	return nil
}

func (c *Channel) SendEvent(ctx context.Context, ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if c.SendEventErr != nil {
		return c.SendEventErr(ev)
	}
	return nil
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

func (c *Channel) On(eventType string, handler contracts.EventHandler) contracts.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]contracts.EventHandler)
	}
	id := c.nextSub
	c.nextSub++
	c.handlers[eventType][id] = handler
	return &subscription{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
	}}
}

func (c *Channel) RecentMessages(n int) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.cache) {
		n = len(c.cache)
	}
	out := make([]models.Message, n)
	copy(out, c.cache[len(c.cache)-n:])
	return out
}

// Seed appends messages to the local cache without recording a send.
func (c *Channel) Seed(msgs ...models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = append(c.cache, msgs...)
}

// Emit delivers an event to the current subscribers of its type.
func (c *Channel) Emit(ev *models.Event) {
	c.mu.Lock()
	hs := make([]contracts.EventHandler, 0, len(c.handlers[ev.Type]))
	for _, h := range c.handlers[ev.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Subscribers returns the number of live subscriptions for eventType.
func (c *Channel) Subscribers(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[eventType])
}

// Sent returns every message passed to SendMessage.
func (c *Channel) Sent() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.sent...)
}

// Updates returns every UpdateMessage call.
func (c *Channel) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

// Events returns every event passed to SendEvent.
func (c *Channel) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// Watched returns the number of Watch calls.
func (c *Channel) Watched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched
}

// Calls returns the number of outbound transport calls made on the channel.
func (c *Channel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched + len(c.sent) + len(c.updates) + len(c.events)
}

// ── Connection & Dialer ─────────────────────────────────────

// Conn is a fake contracts.LiveConnection.
type Conn struct {
	mu       sync.Mutex
	User     models.User
	Token    string
	channels map[string]*Channel
	closed   int
	CloseErr error
}

func NewConn(user models.User, token string) *Conn {
	return &Conn{User: user, Token: token, channels: make(map[string]*Channel)}
}

func (c *Conn) Channel(channelType, channelID string) contracts.Channel {
	return c.FakeChannel(channelType, channelID)
}

// FakeChannel returns the concrete fake for a channel, creating it on first use.
func (c *Conn) FakeChannel(channelType, channelID string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	cid := models.CID(channelType, channelID)
	ch, ok := c.channels[cid]
	if !ok {
		ch = NewChannel(channelType, channelID)
		c.channels[cid] = ch
	}
	return ch
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.CloseErr
}

// Closed returns the number of Close calls.
func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer is a fake contracts.ChatDialer.
type Dialer struct {
	mu         sync.Mutex
	conns      []*Conn
	ConnectErr error

	// OnConnect runs after a connection is created, before it is returned.
	OnConnect func(conn *Conn)

	// Prepare, when set, configures each new connection's channels.
	Prepare func(conn *Conn)
}

func (d *Dialer) Connect(ctx context.Context, user models.User, token string) (contracts.LiveConnection, error) {
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	conn := NewConn(user, token)
	if d.Prepare != nil {
		d.Prepare(conn)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	if d.OnConnect != nil {
		d.OnConnect(conn)
	}
	return conn, nil
}

// Conns returns every connection opened so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// ── Admin ───────────────────────────────────────────────────

// MemberChange records one AddMembers or RemoveMembers call.
type MemberChange struct {
	ChannelType string
	ChannelID   string
	UserIDs     []string
}

// Admin is a fake contracts.ChatAdmin.
type Admin struct {
	mu      sync.Mutex
	users   []models.User
	added   []MemberChange
	removed []MemberChange

	UpsertErr error
	TokenErr  error
	AddErr    error
	RemoveErr error
}

func (a *Admin) UpsertUser(ctx context.Context, user models.User) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.UpsertErr != nil {
		return a.UpsertErr
	}
	a.users = append(a.users, user)
	return nil
}

func (a *Admin) CreateToken(userID string) (string, error) {
	if a.TokenErr != nil {
		return "", a.TokenErr
	}
	return "token-" + userID, nil
}

func (a *Admin) AddMembers(ctx context.Context, channelType, channelID string, userIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.added = append(a.added, MemberChange{channelType, channelID, userIDs})
	return a.AddErr
}

func (a *Admin) RemoveMembers(ctx context.Context, channelType, channelID string, userIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, MemberChange{channelType, channelID, userIDs})
	return a.RemoveErr
}

func (a *Admin) Users() []models.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.User(nil), a.users...)
}

func (a *Admin) Added() []MemberChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MemberChange(nil), a.added...)
}

func (a *Admin) Removed() []MemberChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MemberChange(nil), a.removed...)
}

// ── Generator ───────────────────────────────────────────────

// Generator is a fake contracts.Generator.
type Generator struct {
	mu     sync.Mutex
	calls  [][]models.ConversationTurn
	params []models.GenerationParams

	Result *models.GenerateResult
	Err    error

	// Block, when set, is received from before Generate returns.
	Block chan struct{}
}

func (g *Generator) Generate(ctx context.Context, turns []models.ConversationTurn, params models.GenerationParams) (*models.GenerateResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]models.ConversationTurn(nil), turns...))
	g.params = append(g.params, params)
	block := g.Block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.Err != nil {
		return nil, g.Err
	}
	if g.Result == nil {
		return nil, fmt.Errorf("chattest: no result configured")
	}
	return g.Result, nil
}

// Calls returns the turns of every Generate call.
func (g *Generator) Calls() [][]models.ConversationTurn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]models.ConversationTurn(nil), g.calls...)
}

// Params returns the params of every Generate call.
func (g *Generator) Params() []models.GenerationParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.GenerationParams(nil), g.params...)
}

// Factory returns a GeneratorFactory that always yields g.
func (g *Generator) Factory() contracts.GeneratorFactory {
	return func(apiKey string) (contracts.Generator, error) { return g, nil }
}

// Reply builds a single-candidate result.
func Reply(text string, reason models.FinishReason) *models.GenerateResult {
	return &models.GenerateResult{Candidates: []models.Candidate{{Text: text, FinishReason: reason}}}
}
