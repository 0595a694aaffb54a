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
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/report"
	"github.com/intelboard/chatguard/internal/store"
)

// ReportMessage files an abuse report against a stored message. The
// reported user is read from the message itself. Reasons are sanitized but
// not scored: a report quoting abuse must still go through.
func (p *Pipeline) ReportMessage(ctx context.Context, id auth.Identity, chatID, messageID string, req ReportRequest) (res Result, err error) {
	defer func(start time.Time) { observe("report_message", start, err) }(time.Now())

	u, err := p.admit(ctx, id, policy.ActionReportMessage)
	if err != nil {
		return Result{}, err
	}

	if err := chat.ValidateID("chat_id", chatID); err != nil {
		return Result{}, err
	}
	if err := chat.ValidateID("message_id", messageID); err != nil {
		return Result{}, err
	}
	if err := p.check(req); err != nil {
		return Result{}, err
	}
	reason := moderation.Sanitize(req.Reason, moderation.MaxReasonChars)
	if reason == "" {
		return Result{}, apperr.New(apperr.ValidationFailed, "reason is required")
	}
	category := req.Category
	if category == "" {
		category = report.DefaultCategory
	}
	if !report.ValidCategory(category) {
		return Result{}, apperr.New(apperr.ValidationFailed, "unknown report category")
	}

	// The context snapshot is read outside the transaction; it is review
	// material, not part of the decision.
	window, err := p.chats.Context(ctx, chatID, messageID, report.ContextSize)
	if err != nil {
		log.WithError(err).WithField("chat", chatID).Warn("[pipeline] report context unavailable")
		window = nil
	}

	r := &report.Report{
		ID:         report.ID(u.ID, chatID, messageID),
		ReporterID: u.ID,
		ChatID:     chatID,
		MessageID:  messageID,
		Category:   category,
		Reason:     reason,
		Status:     report.StatusPending,
		Context:    contextEntries(window),
	}
	err = p.persist(ctx, u.ID, func(tx store.Tx, _ *account.User) error {
		msg, err := chat.LoadMessage(tx, chatID, messageID)
		if err != nil {
			return err
		}
		if !msg.VisibleTo(u.ID) {
			return apperr.New(apperr.NotFound, "message not found")
		}
		if msg.SenderID == u.ID {
			return apperr.New(apperr.ValidationFailed, "cannot report your own message")
		}
		if _, err := report.Load(tx, r.ID); err == nil {
			return apperr.New(apperr.ValidationFailed, "message already reported")
		} else if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		r.ReportedUserID = msg.SenderID
		r.CreatedAt = p.now().UTC()
		return report.Save(tx, r)
	})
	if err != nil {
		return Result{}, err
	}

	log.WithFields(log.Fields{"report": r.ID, "reporter": r.ReporterID, "reported": r.ReportedUserID}).Info("[pipeline] report filed")
	p.publish(messaging.SubjectReport, r)
	return Result{ID: r.ID}, nil
}

func contextEntries(msgs []chat.Message) []report.MessageEntry {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]report.MessageEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, report.MessageEntry{
			ID:           m.ID,
			From:         m.SenderID,
			Text:         m.Content,
			Score:        m.ToxicityScore,
			Shadowbanned: m.Shadowbanned,
			Ts:           m.CreatedAt.UnixMilli(),
		})
	}
	return out
}
