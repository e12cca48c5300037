package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conversate/conversate/ai-server/internal/agent"
	"github.com/conversate/conversate/ai-server/internal/chattest"
	"github.com/conversate/conversate/ai-server/internal/store"
	"github.com/conversate/conversate/ai-server/internal/supervisor"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	sup      *supervisor.Supervisor
	admin    *chattest.Admin
	dialer   *chattest.Dialer
	registry *store.MemoryRegistry
	clock    *clock
}

func newHarness(t *testing.T, mutate ...func(*supervisor.Options)) *harness {
	t.Helper()
	h := &harness{
		admin:    &chattest.Admin{},
		dialer:   &chattest.Dialer{},
		registry: store.NewMemoryRegistry(),
		clock:    &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	gen := &chattest.Generator{Result: chattest.Reply("ok", models.FinishStop)}
	opts := supervisor.Options{
		Admin:        h.admin,
		Dialer:       h.dialer,
		NewGenerator: gen.Factory(),
		Registry:     h.registry,
		GeminiAPIKey: "test-key",
		Now:          h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.sup = supervisor.New(opts)
	return h
}

// stubAgent is a registry entry that was not created by the supervisor.
type stubAgent struct{ id string }

func (s *stubAgent) BotID() string                     { return s.id }
func (s *stubAgent) ChannelType() string               { return "messaging" }
func (s *stubAgent) ChannelID() string                 { return "general" }
func (s *stubAgent) StartedAt() time.Time              { return time.Time{} }
func (s *stubAgent) LastInteraction() time.Time        { return time.Now() }
func (s *stubAgent) Dispose(ctx context.Context) error { return nil }

func TestBotIdentity(t *testing.T) {
	cases := map[string]string{
		"room42":           "ai-bot-room42",
		"messaging:room42": "ai-bot-room42",
		"!members-abc":     "ai-bot-members-abc",
		"team:a!b!c":       "ai-bot-abc",
	}
	for in, want := range cases {
		assert.Equal(t, want, supervisor.BotIdentity(in), in)
	}
	assert.Equal(t, supervisor.BotIdentity("room42"), supervisor.BotIdentity("messaging:room42"))
	assert.Equal(t, "room42", supervisor.NormalizeChannelID("messaging:room42"))
}

func TestStart_CompoundChannelID(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sup.Start(context.Background(), "", "messaging:room42"))

	assert.Equal(t, 1, h.sup.Status())

	users := h.admin.Users()
	require.Len(t, users, 1)
	assert.Equal(t, models.User{
		ID:    "ai-bot-room42",
		Name:  supervisor.DefaultBotName,
		Image: supervisor.DefaultBotImage,
		Role:  "admin",
	}, users[0])

	added := h.admin.Added()
	require.Len(t, added, 1)
	assert.Equal(t, chattest.MemberChange{ChannelType: "messaging", ChannelID: "room42", UserIDs: []string{"ai-bot-room42"}}, added[0])

	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, "token-ai-bot-room42", conns[0].Token)

	ch := conns[0].FakeChannel("messaging", "room42")
	assert.Equal(t, 1, ch.Watched())
	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, supervisor.WelcomeText, sent[0].Text)
	assert.True(t, sent[0].AIGenerated)
	assert.Equal(t, 1, ch.Subscribers(models.EventMessageNew))
	assert.False(t, h.registry.Pending("ai-bot-room42"))
}

func TestStart_IsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))
	require.NoError(t, h.sup.Start(context.Background(), "messaging", "messaging:general"))

	assert.Equal(t, 1, h.sup.Status())
	assert.Len(t, h.dialer.Conns(), 1)
}

func TestStart_ConcurrentStartsRegisterOneAgent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.sup.Status())
	live := 0
	for _, c := range h.dialer.Conns() {
		if c.Closed() == 0 {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.False(t, h.registry.Pending("ai-bot-general"))
}

func TestStart_RaceGuardDisposesLoser(t *testing.T) {
	h := newHarness(t)
	winner := &stubAgent{id: "ai-bot-general"}
	h.dialer.OnConnect = func(*chattest.Conn) {
		h.registry.Register("ai-bot-general", winner)
	}

	require.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))

	got, ok := h.registry.Snapshot()["ai-bot-general"]
	require.True(t, ok)
	assert.Same(t, winner, got)

	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Closed())
	ch := conns[0].FakeChannel("messaging", "general")
	assert.Empty(t, ch.Sent())
	assert.Zero(t, ch.Subscribers(models.EventMessageNew))
}

func TestStart_MissingAPIKey(t *testing.T) {
	h := newHarness(t, func(o *supervisor.Options) { o.GeminiAPIKey = "" })

	err := h.sup.Start(context.Background(), "messaging", "general")
	assert.ErrorIs(t, err, agent.ErrMissingAPIKey)

	assert.Zero(t, h.sup.Status())
	assert.False(t, h.registry.Pending("ai-bot-general"))
	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Closed())
}

func TestStart_ProvisioningFailuresReleasePending(t *testing.T) {
	cases := map[string]func(h *harness){
		"upsert":  func(h *harness) { h.admin.UpsertErr = errors.New("stream down") },
		"token":   func(h *harness) { h.admin.TokenErr = errors.New("bad secret") },
		"connect": func(h *harness) { h.dialer.ConnectErr = errors.New("dial refused") },
		"watch": func(h *harness) {
			h.dialer.Prepare = func(c *chattest.Conn) {
				c.FakeChannel("messaging", "general").WatchErr = errors.New("not allowed")
			}
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			setup(h)

			require.Error(t, h.sup.Start(context.Background(), "messaging", "general"))
			assert.Zero(t, h.sup.Status())
			assert.False(t, h.registry.Pending("ai-bot-general"))
			for _, c := range h.dialer.Conns() {
				assert.Equal(t, 1, c.Closed())
			}
		})
	}
}

func TestStart_BestEffortSteps(t *testing.T) {
	h := newHarness(t)
	h.admin.AddErr = errors.New("membership rejected")
	h.dialer.Prepare = func(c *chattest.Conn) {
		c.FakeChannel("messaging", "general").SendMessageErr = errors.New("send rejected")
	}

	require.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))
	assert.Equal(t, 1, h.sup.Status())
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))

	require.NoError(t, h.sup.Stop(context.Background(), "messaging:general"))

	assert.Zero(t, h.sup.Status())
	assert.Equal(t, 1, h.dialer.Conns()[0].Closed())
	removed := h.admin.Removed()
	require.Len(t, removed, 1)
	assert.Equal(t, chattest.MemberChange{ChannelType: "messaging", ChannelID: "general", UserIDs: []string{"ai-bot-general"}}, removed[0])
}

func TestStop_Absent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sup.Stop(context.Background(), "nobody-here"))
	assert.Empty(t, h.admin.Removed())
}

func TestStop_MissingChannelID(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.sup.Stop(context.Background(), ""), supervisor.ErrMissingChannelID)
}

func TestStop_ReportsTeardownFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Start(context.Background(), "messaging", "general"))
	h.admin.RemoveErr = errors.New("membership rejected")

	err := h.sup.Stop(context.Background(), "general")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "membership rejected")
	assert.Zero(t, h.sup.Status())
}

func TestSweep_EvictsOnlyIdleAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.Start(ctx, "messaging", "old"))
	h.clock.Advance(supervisor.DefaultInactivityThreshold - time.Minute)
	require.NoError(t, h.sup.Start(ctx, "messaging", "fresh"))
	h.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, h.sup.Sweep(ctx))

	live := h.registry.Snapshot()
	_, oldLive := live["ai-bot-old"]
	_, freshLive := live["ai-bot-fresh"]
	assert.False(t, oldLive)
	assert.True(t, freshLive)
	require.Len(t, h.admin.Removed(), 1)
	assert.Equal(t, "old", h.admin.Removed()[0].ChannelID)
}

func TestSweep_ThresholdIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.Start(ctx, "messaging", "general"))
	h.clock.Advance(supervisor.DefaultInactivityThreshold)

	assert.Zero(t, h.sup.Sweep(ctx))
	assert.Equal(t, 1, h.sup.Status())
}

func TestSweep_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dialer.Prepare = func(c *chattest.Conn) { c.CloseErr = errors.New("socket stuck") }

	require.NoError(t, h.sup.Start(ctx, "messaging", "a"))
	require.NoError(t, h.sup.Start(ctx, "messaging", "b"))
	h.clock.Advance(9 * time.Hour)

	assert.Equal(t, 2, h.sup.Sweep(ctx))
	assert.Zero(t, h.sup.Status())
	assert.Len(t, h.admin.Removed(), 2)
}

func TestRun_SweepsOnTick(t *testing.T) {
	h := newHarness(t, func(o *supervisor.Options) { o.SweepInterval = 5 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.sup.Start(ctx, "messaging", "general"))
	h.clock.Advance(9 * time.Hour)

	done := make(chan struct{})
	go func() {
		h.sup.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return h.sup.Status() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.sup.Start(ctx, "messaging", id))
	}

	h.sup.StopAll(ctx)

	assert.Zero(t, h.sup.Status())
	for _, c := range h.dialer.Conns() {
		assert.Equal(t, 1, c.Closed())
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "messaging", "zeta"))
	require.NoError(t, h.sup.Start(ctx, "team", "alpha"))

	list := h.sup.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ai-bot-alpha", list[0].BotID)
	assert.Equal(t, "team", list[0].ChannelType)
	assert.Equal(t, "alpha", list[0].ChannelID)
	assert.Equal(t, h.clock.Now(), list[0].StartedAt)
	assert.Equal(t, "ai-bot-zeta", list[1].BotID)
}
