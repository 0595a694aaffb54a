package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/ratelimit"
	"github.com/intelboard/chatguard/internal/sanction"
	"github.com/intelboard/chatguard/internal/store"
	"github.com/intelboard/chatguard/internal/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	p.events = append(p.events, published{subject: subject, data: data})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) on(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, e := range p.events {
		if e.subject == subject {
			out = append(out, e.data)
		}
	}
	return out
}

type harness struct {
	ds        store.Datastore
	p         *Pipeline
	pub       *recordingPublisher
	clock     *fakeClock
	sanctions *sanction.Service
}

const chatID = "ops-room"

func newHarness(t *testing.T, ds store.Datastore) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	sanctions := sanction.NewService(ds, pub, 0)

	p := New(Deps{
		Datastore: ds,
		Accounts:  account.NewStore(ds, false),
		Limiter:   ratelimit.NewLimiterWithClock(ds, clock.Now),
		Scorer:    moderation.NewScorer(moderation.NewFilter(), moderation.DefaultBlockThreshold),
		Sanctions: sanctions,
		Chats:     chat.NewStore(ds),
		Publisher: pub,
	})
	p.now = clock.Now

	for _, u := range []account.User{
		{ID: "alice", Role: account.RoleUser, Tier: account.TierFree},
		{ID: "bob", Role: account.RoleUser, Tier: account.TierPro},
		{ID: "troll", Role: account.RoleUser, Tier: account.TierFree},
		{ID: "mod1", Role: account.RoleMod, Tier: account.TierFree},
		{ID: "admin1", Role: account.RoleAdmin, Tier: account.TierPro},
		{ID: "admin2", Role: account.RoleAdmin, Tier: account.TierPro},
		{ID: "banned", Role: account.RoleUser, Tier: account.TierFree, Banned: true, BanReason: "spam"},
	} {
		storetest.Put(t, ds, store.UserKey(u.ID), u)
	}
	storetest.Put(t, ds, store.ChatKey(chatID), chat.Chat{ID: chatID, Title: "Ops", CreatedBy: "admin1"})

	t.Cleanup(p.Wait)
	return &harness{ds: ds, p: p, pub: pub, clock: clock, sanctions: sanctions}
}

func as(uid string) auth.Identity {
	return auth.Identity{UID: uid}
}

func (h *harness) user(t *testing.T, uid string) account.User {
	t.Helper()
	var u account.User
	require.NoError(t, h.ds.Get(context.Background(), store.UserKey(uid), &u))
	return u
}

func (h *harness) send(uid, text string) (Result, error) {
	return h.p.SendMessage(context.Background(), as(uid), chatID, SendMessageRequest{Text: text})
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()
	anon := auth.Identity{}

	_, err := h.p.SendMessage(ctx, anon, chatID, SendMessageRequest{Text: "hello"})
	assert.True(t, apperr.Is(err, apperr.AuthRequired))
	_, err = h.p.ReportMessage(ctx, anon, chatID, "m1", ReportRequest{Reason: "spam"})
	assert.True(t, apperr.Is(err, apperr.AuthRequired))
	_, err = h.p.SaveConfig(ctx, anon, SaveConfigRequest{Name: "x", Config: json.RawMessage(`{}`)})
	assert.True(t, apperr.Is(err, apperr.AuthRequired))
	_, err = h.p.SaveSettings(ctx, anon, SettingsRequest{Theme: ptr("dark")})
	assert.True(t, apperr.Is(err, apperr.AuthRequired))
	_, err = h.p.ListMessages(ctx, anon, chatID, 10)
	assert.True(t, apperr.Is(err, apperr.AuthRequired))

	_, err = h.p.SendMessage(ctx, as("stranger"), chatID, SendMessageRequest{Text: "hello"})
	assert.True(t, apperr.Is(err, apperr.AuthRequired), "unregistered accounts are not provisioned by default")
}

func TestBannedUser_EveryWritePathSuspended(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()
	id := as("banned")

	_, err := h.p.SendMessage(ctx, id, chatID, SendMessageRequest{Text: "hello there"})
	req.True(apperr.Is(err, apperr.AccountSuspended), "send: %v", err)
	_, err = h.p.ReportMessage(ctx, id, chatID, "m1", ReportRequest{Reason: "spam"})
	req.True(apperr.Is(err, apperr.AccountSuspended), "report: %v", err)
	_, err = h.p.SaveConfig(ctx, id, SaveConfigRequest{Name: "board", Config: json.RawMessage(`{}`)})
	req.True(apperr.Is(err, apperr.AccountSuspended), "config: %v", err)
	_, err = h.p.SaveSettings(ctx, id, SettingsRequest{Theme: ptr("dark")})
	req.True(apperr.Is(err, apperr.AccountSuspended), "settings: %v", err)

	// Rejected before the limiter: no rate-limit state was written.
	for _, action := range []policy.Action{policy.ActionChatMessage, policy.ActionReportMessage, policy.ActionSaveConfig, policy.ActionSaveSettings} {
		var rec ratelimit.Record
		err := h.ds.Get(ctx, store.RateLimitKey("banned", string(action)), &rec)
		req.ErrorIs(err, store.ErrNotFound, "action %s", action)
	}

	msgs, err := h.p.ListMessages(ctx, as("alice"), chatID, 0)
	req.NoError(err)
	req.Empty(msgs)
	req.Empty(h.pub.events)
}

func TestRateLimit_WindowScenario(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))

	for i := 0; i < 10; i++ {
		_, err := h.send("alice", fmt.Sprintf("status update %d", i))
		req.NoError(err, "request %d", i+1)
		h.clock.Advance(500 * time.Millisecond)
	}

	_, err := h.send("alice", "one more update")
	req.True(apperr.Is(err, apperr.RateLimited), "got %v", err)
	var ae *apperr.Error
	req.True(errors.As(err, &ae))
	req.Positive(ae.RetryAfter)

	h.clock.Advance(61 * time.Second)
	_, err = h.send("alice", "back again")
	req.NoError(err)

	// Other actions and other users have their own windows.
	_, err = h.send("bob", "different user")
	req.NoError(err)
	_, err = h.p.SaveSettings(context.Background(), as("alice"), SettingsRequest{Theme: ptr("dark")})
	req.NoError(err)
}

func TestAutoMute_ExactlyOnce(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.send("troll", fmt.Sprintf("filler text %d", i))
		req.NoError(err)
	}
	for i := 0; i < sanction.DefaultAutoMuteThreshold-1; i++ {
		_, err := h.send("troll", "flood")
		req.True(apperr.Is(err, apperr.RateLimited))
	}
	h.p.Wait()
	req.Equal(account.StateNormal, stateOf(h.user(t, "troll")), "below threshold")

	_, err := h.send("troll", "flood")
	req.True(apperr.Is(err, apperr.RateLimited), "the triggering request is still rejected")
	h.p.Wait()
	troll := h.user(t, "troll")
	req.Equal(account.StateShadowbanned, stateOf(troll))
	req.Equal(sanction.ReasonAutoMute, troll.ShadowbanReason)

	for i := 0; i < 3; i++ {
		_, err := h.send("troll", "flood")
		req.True(apperr.Is(err, apperr.RateLimited))
	}
	h.p.Wait()

	history, err := h.sanctions.History(ctx, "troll")
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(sanction.ActionAutoMute, history[0].Action)
	req.Equal(sanction.SystemActor, history[0].ActorID)
}

func TestAutoMute_AdminsExempt(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	for i := 0; i < 130; i++ {
		h.send("admin1", fmt.Sprintf("broadcast %d", i))
	}
	h.p.Wait()
	assert.Equal(t, account.StateNormal, stateOf(h.user(t, "admin1")))
}

func TestConcurrentSends_AtomicLimitAndSingleAutoMute(t *testing.T) {
	for name, ds := range map[string]store.Datastore{"badger": storetest.NewBadger(t), "redis": storetest.NewRedis(t)} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, ds)

			var allowed, limited atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := h.send("troll", fmt.Sprintf("burst message %d", i))
					switch {
					case err == nil:
						allowed.Add(1)
					case apperr.Is(err, apperr.RateLimited):
						limited.Add(1)
					default:
						t.Errorf("send %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			h.p.Wait()

			assert.Equal(t, int32(10), allowed.Load())
			assert.Equal(t, int32(20), limited.Load())

			var rec ratelimit.Record
			require.NoError(t, ds.Get(context.Background(), store.RateLimitKey("troll", string(policy.ActionChatMessage)), &rec))
			assert.Len(t, rec.Timestamps, 10)
			assert.Equal(t, 20, rec.ViolationCount)

			history, err := h.sanctions.History(context.Background(), "troll")
			require.NoError(t, err)
			assert.Len(t, history, 1)
			assert.Equal(t, account.StateShadowbanned, stateOf(h.user(t, "troll")))
		})
	}
}

// brokenTxStore serves reads but fails every transaction.
type brokenTxStore struct {
	store.Datastore
}

func (brokenTxStore) RunTransaction(context.Context, store.TxFunc) error {
	return store.ErrRetriesExhausted
}

func TestLimiterFailure_FailsClosed(t *testing.T) {
	req := require.New(t)
	ds := storetest.NewBadger(t)
	h := newHarness(t, ds)

	broken := brokenTxStore{Datastore: ds}
	h.p.limiter = ratelimit.NewLimiterWithClock(broken, h.clock.Now)

	_, err := h.send("alice", "hello there")
	req.True(apperr.Is(err, apperr.TransientStoreFailure), "got %v", err)
	req.False(apperr.Is(err, apperr.RateLimited))

	msgs, err := h.p.ListMessages(context.Background(), as("alice"), chatID, 0)
	req.NoError(err)
	req.Empty(msgs)
}

func TestAdminOnAdmin_AccessDeniedAndNextRequestEffect(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	err := h.sanctions.Ban(ctx, "admin1", "admin2", "coup")
	req.True(apperr.Is(err, apperr.AccessDenied))
	_, err = h.send("admin2", "still here")
	req.NoError(err)

	_, err = h.send("alice", "before the ban")
	req.NoError(err)
	req.NoError(h.sanctions.Ban(ctx, "admin1", "alice", "harassment"))
	_, err = h.send("alice", "after the ban")
	req.True(apperr.Is(err, apperr.AccountSuspended), "ban applies to the very next request")

	req.NoError(h.sanctions.Unban(ctx, "admin1", "alice", "appeal"))
	_, err = h.send("alice", "after the appeal")
	req.NoError(err)
}

func stateOf(u account.User) account.State {
	return u.State()
}

func ptr[T any](v T) *T {
	return &v
}
