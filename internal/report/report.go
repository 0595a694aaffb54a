// Package report defines abuse reports filed against chat messages. A report
// captures who reported whom, the reported message, and the last few messages
// of the chat up to it for moderator review. The reported user is always
// taken from the stored message, never from the request.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/store"
)

// Status is the review state of a report.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusDismissed Status = "dismissed"
	StatusActioned  Status = "actioned"
)

// DefaultCategory is used when a report names no category.
const DefaultCategory = "other"

// ContextSize is the number of messages attached to a report.
const ContextSize = 10

// validCategories is the set of allowed category values, matching the CHECK
// constraint on the abuse_reports table.
var validCategories = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"hate":       true,
	"other":      true,
}

// ValidCategory reports whether c is an allowed category.
func ValidCategory(c string) bool {
	return validCategories[c]
}

// Report is a single abuse report, stored at reports/<id> and published on
// moderation.report.
type Report struct {
	ID             string         `json:"id"`
	ReporterID     string         `json:"reporter_id"`
	ReportedUserID string         `json:"reported_user_id"`
	ChatID         string         `json:"chat_id"`
	MessageID      string         `json:"message_id"`
	Category       string         `json:"category"`
	Reason         string         `json:"reason"`
	Status         Status         `json:"status"`
	Context        []MessageEntry `json:"context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MessageEntry is one message in the conversation snapshot attached to a report.
type MessageEntry struct {
	ID           string  `json:"id"`
	From         string  `json:"from"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	Shadowbanned bool    `json:"shadowbanned,omitempty"`
	Ts           int64   `json:"ts"`
}

// ID derives the report id for one reporter and one message, so a user can
// report a given message once.
func ID(reporterID, chatID, messageID string) string {
	return chatID + "_" + messageID + "_" + reporterID
}

// Load reads a report inside tx.
func Load(tx store.Tx, id string) (*Report, error) {
	var r Report
	if err := tx.Get(store.ReportKey(id), &r); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "report not found", err)
		}
		return nil, fmt.Errorf("report: load %s: %w", id, err)
	}
	return &r, nil
}

// Save writes a report inside tx.
func Save(tx store.Tx, r *Report) error {
	return tx.Set(store.ReportKey(r.ID), r)
}
