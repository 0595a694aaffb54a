// Package chat stores chat rooms and their messages. Messages are created
// only by the write pipeline and never change once written. Each message
// carries a snapshot of its sender's shadowban state, and every multi-reader
// query path applies VisibleTo before returning messages.
package chat

import (
	"time"

	"github.com/samber/lo"

	"github.com/intelboard/chatguard/internal/account"
)

// Chat is the document stored at chats/<chat_id>.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the document stored at chats/<chat_id>/messages/<message_id>.
type Message struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chat_id"`
	SenderID      string       `json:"sender_id"`
	Content       string       `json:"content"`
	ToxicityScore float64      `json:"toxicity_score"`
	Flags         []string     `json:"flags"`
	Shadowbanned  bool         `json:"shadowbanned"`
	SenderTier    account.Tier `json:"sender_tier"`
	CreatedAt     time.Time    `json:"created_at"`
}

// VisibleTo reports whether viewer may see m: messages written while the
// sender was shadowbanned are visible to the sender only.
func (m *Message) VisibleTo(viewer string) bool {
	return !m.Shadowbanned || m.SenderID == viewer
}

// FilterVisible returns the messages of msgs visible to viewer, in order.
func FilterVisible(msgs []Message, viewer string) []Message {
	return lo.Filter(msgs, func(m Message, _ int) bool {
		return m.VisibleTo(viewer)
	})
}
