package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/report"
	"github.com/intelboard/chatguard/internal/savedconfig"
	"github.com/intelboard/chatguard/internal/store"
	"github.com/intelboard/chatguard/internal/store/storetest"
)

func TestSendMessage_PersistsSanitizedAndPublishes(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	res, err := h.send("alice", "  <b>Deploy</b>   finished\x07 ")
	req.NoError(err)
	req.NotEmpty(res.ID)

	var m chat.Message
	req.NoError(h.ds.Get(ctx, store.MessageKey(chatID, res.ID), &m))
	req.Equal("Deploy finished", m.Content)
	req.Equal("alice", m.SenderID)
	req.False(m.Shadowbanned)
	req.Equal(account.TierFree, m.SenderTier)
	req.Less(m.ToxicityScore, 0.7)

	events := h.pub.on(messaging.ChatSubject(chatID))
	req.Len(events, 1)
	var ev chat.Event
	req.NoError(json.Unmarshal(events[0], &ev))
	req.Equal(chat.EventMessage, ev.Type)
	req.Equal(res.ID, ev.Message.ID)
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		kind apperr.Kind
	}{
		{"empty", "", apperr.ValidationFailed},
		{"only markup", "<img src=x>", apperr.ValidationFailed},
		{"oversized payload", strings.Repeat("a", chat.MaxMessageBytes+1), apperr.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.send("bob", tt.text)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
		})
	}

	_, err := h.p.SendMessage(ctx, as("bob"), "no-such-chat", SendMessageRequest{Text: "hello"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	res, err := h.send("bob", strings.Repeat("ab ", 1000))
	require.NoError(t, err, "long text is truncated, not rejected")
	var m chat.Message
	require.NoError(t, h.ds.Get(ctx, store.MessageKey(chatID, res.ID), &m))
	assert.Equal(t, chat.MaxTextChars, len([]rune(m.Content)))
}

func TestSendMessage_ChatIDIsASingleKeySegment(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	first, err := h.send("alice", "status green")
	req.NoError(err)

	nested := chatID + "/messages/" + first.ID
	_, err = h.p.SendMessage(ctx, as("bob"), nested, SendMessageRequest{Text: "hidden room msg"})
	req.True(apperr.Is(err, apperr.ValidationFailed), "got %v", err)

	_, err = h.p.ListMessages(ctx, as("bob"), nested, 0)
	req.True(apperr.Is(err, apperr.ValidationFailed), "got %v", err)

	_, err = h.p.ReportMessage(ctx, as("bob"), chatID, first.ID+"/x", ReportRequest{Reason: "spam"})
	req.True(apperr.Is(err, apperr.ValidationFailed), "got %v", err)

	msgs, err := h.p.ListMessages(ctx, as("bob"), chatID, 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(chatID, msgs[0].ChatID)
}

func TestSendMessage_BlockedContentNeverPersisted(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	_, err := h.send("alice", "you are such a f***ing idiot")
	req.True(apperr.Is(err, apperr.ContentRejected), "got %v", err)

	msgs, err := h.p.ListMessages(ctx, as("alice"), chatID, 0)
	req.NoError(err)
	req.Empty(msgs, "blocked content is not visible even to its author")
	req.Empty(h.pub.on(messaging.ChatSubject(chatID)))
}

func TestShadowban_RoundTrip(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	_, err := h.send("troll", "visible before")
	req.NoError(err)
	req.NoError(h.sanctions.Shadowban(ctx, "mod1", "troll", "spamming links"))

	res, err := h.send("troll", "hidden after")
	req.NoError(err, "shadowbanned writes look successful")
	req.NotEmpty(res.ID)

	own, err := h.p.ListMessages(ctx, as("troll"), chatID, 0)
	req.NoError(err)
	req.Len(own, 2)

	others, err := h.p.ListMessages(ctx, as("alice"), chatID, 0)
	req.NoError(err)
	req.Len(others, 1)
	req.Equal("visible before", others[0].Content)

	// The snapshot is taken at write time: lifting the shadowban does not
	// reveal what was written during it.
	req.NoError(h.sanctions.Unshadowban(ctx, "mod1", "troll", "appeal"))
	_, err = h.send("troll", "visible again")
	req.NoError(err)
	others, err = h.p.ListMessages(ctx, as("alice"), chatID, 0)
	req.NoError(err)
	req.Len(others, 2)
	for _, m := range others {
		req.NotEqual("hidden after", m.Content)
	}
}

func TestReportMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	_, err := h.send("alice", "morning all")
	req.NoError(err)
	target, err := h.send("troll", "click my link for prizes")
	req.NoError(err)

	res, err := h.p.ReportMessage(ctx, as("bob"), chatID, target.ID, ReportRequest{Reason: " <i>scam</i> link ", Category: "spam"})
	req.NoError(err)

	var r report.Report
	req.NoError(h.ds.Get(ctx, store.ReportKey(res.ID), &r))
	req.Equal("troll", r.ReportedUserID, "reported user comes from the stored message")
	req.Equal("bob", r.ReporterID)
	req.Equal("scam link", r.Reason)
	req.Equal(report.StatusPending, r.Status)
	req.Len(r.Context, 2)
	req.Equal(target.ID, r.Context[1].ID)
	req.Len(h.pub.on(messaging.SubjectReport), 1)

	_, err = h.p.ReportMessage(ctx, as("bob"), chatID, target.ID, ReportRequest{Reason: "again"})
	req.True(apperr.Is(err, apperr.ValidationFailed), "one report per reporter and message")

	_, err = h.p.ReportMessage(ctx, as("troll"), chatID, target.ID, ReportRequest{Reason: "me"})
	req.True(apperr.Is(err, apperr.ValidationFailed), "self reports are rejected")

	_, err = h.p.ReportMessage(ctx, as("alice"), chatID, "missing", ReportRequest{Reason: "gone"})
	req.True(apperr.Is(err, apperr.NotFound))

	_, err = h.p.ReportMessage(ctx, as("alice"), chatID, target.ID, ReportRequest{Reason: "bad", Category: "boring"})
	req.True(apperr.Is(err, apperr.ValidationFailed))

	res, err = h.p.ReportMessage(ctx, as("alice"), chatID, target.ID, ReportRequest{Reason: "<b></b>"})
	req.True(apperr.Is(err, apperr.ValidationFailed), "reason that sanitizes to empty")
	req.Empty(res.ID)
}

func TestReportMessage_HiddenMessage(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	require.NoError(t, h.sanctions.Shadowban(ctx, "mod1", "troll", "spam"))
	hidden, err := h.send("troll", "nobody sees this")
	require.NoError(t, err)

	_, err = h.p.ReportMessage(ctx, as("alice"), chatID, hidden.ID, ReportRequest{Reason: "spam"})
	assert.True(t, apperr.Is(err, apperr.NotFound), "a hidden message cannot be reported by others")
}

func configReq(name any) SaveConfigRequest {
	return SaveConfigRequest{Name: name, Config: json.RawMessage(`{"panels":["map","feed"]}`)}
}

func TestSaveConfig_QuotaFreeVersusPro(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := h.p.SaveConfig(ctx, as("alice"), configReq("board"))
		req.NoError(err)
		ids = append(ids, res.ID)
	}

	_, err := h.p.SaveConfig(ctx, as("alice"), configReq("fourth"))
	req.True(apperr.Is(err, apperr.QuotaExceeded), "got %v", err)

	// Updates do not consume quota.
	public := true
	res, err := h.p.SaveConfig(ctx, as("alice"), SaveConfigRequest{ConfigID: ids[0], Name: "renamed", Config: json.RawMessage(`{}`), IsPublic: &public})
	req.NoError(err)
	req.Equal(ids[0], res.ID)
	var c savedconfig.Config
	req.NoError(h.ds.Get(ctx, store.ConfigKey(ids[0]), &c))
	req.Equal("renamed", c.Name)
	req.True(c.IsPublic)

	// The tier comes from the stored record, so an upgrade takes effect at once.
	alice := h.user(t, "alice")
	alice.Tier = account.TierPro
	storetest.Put(t, h.ds, store.UserKey("alice"), alice)
	_, err = h.p.SaveConfig(ctx, as("alice"), configReq("fourth"))
	req.NoError(err)

	// Deleting frees a slot.
	alice.Tier = account.TierFree
	storetest.Put(t, h.ds, store.UserKey("alice"), alice)
	_, err = h.p.SaveConfig(ctx, as("alice"), configReq("fifth"))
	req.True(apperr.Is(err, apperr.QuotaExceeded))
	for _, id := range ids[:2] {
		_, err = h.p.DeleteConfig(ctx, as("alice"), id)
		req.NoError(err)
	}
	_, err = h.p.SaveConfig(ctx, as("alice"), configReq("fifth"))
	req.NoError(err)
}

func TestSaveConfig_Validation(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	mine, err := h.p.SaveConfig(ctx, as("alice"), configReq("mine"))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  SaveConfigRequest
		kind apperr.Kind
	}{
		{"non-string name", configReq(map[string]any{"x": 1}), apperr.ValidationFailed},
		{"markup-only name", configReq("<script></script>"), apperr.ValidationFailed},
		{"missing config", SaveConfigRequest{Name: "x"}, apperr.ValidationFailed},
		{"array config", SaveConfigRequest{Name: "x", Config: json.RawMessage(`[1]`)}, apperr.ValidationFailed},
		{"abusive name", configReq("fuck this"), apperr.ContentRejected},
		{"unknown config", SaveConfigRequest{ConfigID: "nope", Name: "x", Config: json.RawMessage(`{}`)}, apperr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.SaveConfig(ctx, as("bob"), tt.req)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
		})
	}

	_, err = h.p.SaveConfig(ctx, as("bob"), SaveConfigRequest{ConfigID: mine.ID, Name: "hijack", Config: json.RawMessage(`{}`)})
	assert.True(t, apperr.Is(err, apperr.AccessDenied))
	_, err = h.p.DeleteConfig(ctx, as("bob"), mine.ID)
	assert.True(t, apperr.Is(err, apperr.AccessDenied))
}

func TestSaveSettings(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	res, err := h.p.SaveSettings(ctx, as("alice"), SettingsRequest{
		DisplayName:    "  <b>Alice</b>  A. ",
		Theme:          ptr("dark"),
		Language:       ptr("en-GB"),
		RefreshSeconds: ptr(60),
	})
	req.NoError(err)
	req.Equal("alice", res.ID)

	u := h.user(t, "alice")
	req.Equal("Alice A.", u.Settings.DisplayName)
	req.Equal("dark", u.Settings.Theme)
	req.Equal("en-GB", u.Settings.Language)
	req.Equal(60, u.Settings.RefreshSeconds)

	// Partial update leaves other fields alone.
	_, err = h.p.SaveSettings(ctx, as("alice"), SettingsRequest{EmailNotifications: ptr(true)})
	req.NoError(err)
	u = h.user(t, "alice")
	req.True(u.Settings.EmailNotifications)
	req.Equal("dark", u.Settings.Theme)

	// Non-string display names sanitize to empty.
	_, err = h.p.SaveSettings(ctx, as("alice"), SettingsRequest{DisplayName: 42})
	req.NoError(err)
	req.Equal("", h.user(t, "alice").Settings.DisplayName)
}

func TestSaveSettings_Rejections(t *testing.T) {
	h := newHarness(t, storetest.NewBadger(t))
	ctx := context.Background()

	tests := []struct {
		name string
		req  SettingsRequest
		kind apperr.Kind
	}{
		{"empty", SettingsRequest{}, apperr.ValidationFailed},
		{"unknown theme", SettingsRequest{Theme: ptr("neon")}, apperr.ValidationFailed},
		{"bad language", SettingsRequest{Language: ptr("not a language")}, apperr.ValidationFailed},
		{"refresh too fast", SettingsRequest{RefreshSeconds: ptr(1)}, apperr.ValidationFailed},
		{"abusive display name", SettingsRequest{DisplayName: "fuck off"}, apperr.ContentRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.SaveSettings(ctx, as("bob"), tt.req)
			assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestSaveSettings_ServerOwnedFieldsIgnored(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, storetest.NewBadger(t))

	var settings SettingsRequest
	body := `{"theme":"light","role":"admin","banned":false,"subscription_tier":"pro","shadowbanned":false}`
	req.NoError(json.Unmarshal([]byte(body), &settings))

	require.NoError(t, h.sanctions.Shadowban(context.Background(), "mod1", "troll", "spam"))
	_, err := h.p.SaveSettings(context.Background(), as("troll"), settings)
	req.NoError(err)

	u := h.user(t, "troll")
	req.Equal(account.RoleUser, u.Role)
	req.Equal(account.TierFree, u.Tier)
	req.True(u.Shadowbanned)
	req.Equal("light", u.Settings.Theme)
}
