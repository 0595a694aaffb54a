package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/store"
)

// SendMessage posts a chat message as the caller. Messages from shadowbanned
// senders are stored and acknowledged like any other but are visible only
// to their author.
func (p *Pipeline) SendMessage(ctx context.Context, id auth.Identity, chatID string, req SendMessageRequest) (res Result, err error) {
	defer func(start time.Time) { observe("send_message", start, err) }(time.Now())

	u, err := p.admit(ctx, id, policy.ActionChatMessage)
	if err != nil {
		return Result{}, err
	}

	if err := chat.ValidateID("chat_id", chatID); err != nil {
		return Result{}, err
	}
	if err := chat.ValidateRaw(req.Text); err != nil {
		return Result{}, apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}
	if err := p.check(req); err != nil {
		return Result{}, err
	}
	text := moderation.Sanitize(req.Text, moderation.MaxMessageChars)
	if err := chat.ValidateMessage(text); err != nil {
		return Result{}, apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}

	scored, err := p.reject("message", text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		log.WithFields(log.Fields{"uid": u.ID, "chat": chatID, "score": scored.Score, "flags": scored.Flags}).Info("[pipeline] message blocked")
		return Result{}, err
	}

	msg := &chat.Message{
		ID:            chat.NewMessageID(),
		ChatID:        chatID,
		SenderID:      u.ID,
		Content:       text,
		ToxicityScore: scored.Score,
		Flags:         scored.Flags,
	}
	err = p.persist(ctx, u.ID, func(tx store.Tx, fresh *account.User) error {
		if _, err := chat.LoadChat(tx, chatID); err != nil {
			return err
		}
		msg.Shadowbanned = fresh.Shadowbanned
		msg.SenderTier = fresh.Tier
		msg.CreatedAt = p.now().UTC()
		return chat.SaveMessage(tx, msg)
	})
	if err != nil {
		return Result{}, err
	}

	if msg.Shadowbanned {
		metrics.MessagesTotal.WithLabelValues("hidden").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	}
	p.publish(messaging.ChatSubject(chatID), chat.Event{Type: chat.EventMessage, Message: msg})
	return Result{ID: msg.ID}, nil
}

// ListMessages returns the newest messages of chatID visible to the caller.
func (p *Pipeline) ListMessages(ctx context.Context, id auth.Identity, chatID string, limit int) (msgs []chat.Message, err error) {
	defer func(start time.Time) { observe("list_messages", start, err) }(time.Now())

	if id.UID == "" {
		return nil, apperr.New(apperr.AuthRequired, "authentication required")
	}
	u, err := p.accounts.Get(ctx, id.UID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, apperr.New(apperr.AccountSuspended, "account suspended")
	}
	return p.chats.ListMessages(ctx, chatID, u.ID, limit)
}
