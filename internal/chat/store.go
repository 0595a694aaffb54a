package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// NewMessageID returns a UUIDv7 so message keys sort in creation order.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// LoadChat reads a chat inside tx.
func LoadChat(tx store.Tx, chatID string) (*Chat, error) {
	if err := ValidateID("chat_id", chatID); err != nil {
		return nil, err
	}
	var c Chat
	if err := tx.Get(store.ChatKey(chatID), &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "chat not found", err)
		}
		return nil, fmt.Errorf("chat: load %s: %w", chatID, err)
	}
	return &c, nil
}

// LoadMessage reads a message inside tx.
func LoadMessage(tx store.Tx, chatID, messageID string) (*Message, error) {
	if err := ValidateID("chat_id", chatID); err != nil {
		return nil, err
	}
	if err := ValidateID("message_id", messageID); err != nil {
		return nil, err
	}
	var m Message
	if err := tx.Get(store.MessageKey(chatID, messageID), &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "message not found", err)
		}
		return nil, fmt.Errorf("chat: load message %s/%s: %w", chatID, messageID, err)
	}
	return &m, nil
}

// SaveMessage writes a new message inside tx.
func SaveMessage(tx store.Tx, m *Message) error {
	return tx.Set(store.MessageKey(m.ChatID, m.ID), m)
}

// Store reads chats and messages.
type Store struct {
	ds  store.Datastore
	now func() time.Time
}

// NewStore creates a new chat store backed by ds.
func NewStore(ds store.Datastore) *Store {
	return &Store{ds: ds, now: time.Now}
}

// CreateChat creates a chat room. The title is sanitized; an empty ID gets
// a generated one.
func (s *Store) CreateChat(ctx context.Context, chatID, title, createdBy string) (*Chat, error) {
	title = moderation.Sanitize(title, MaxTitleChars)
	if title == "" {
		return nil, apperr.New(apperr.ValidationFailed, "title is required")
	}
	if chatID == "" {
		chatID = uuid.NewString()
	}
	if err := ValidateID("chat_id", chatID); err != nil {
		return nil, err
	}

	c := &Chat{ID: chatID, Title: title, CreatedBy: createdBy, CreatedAt: s.now().UTC()}
	err := s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := LoadChat(tx, chatID); err == nil {
			return apperr.New(apperr.ValidationFailed, "chat already exists")
		} else if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		return tx.Set(store.ChatKey(chatID), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat reads a chat.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if err := ValidateID("chat_id", chatID); err != nil {
		return nil, err
	}
	var c Chat
	if err := s.ds.Get(ctx, store.ChatKey(chatID), &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "chat not found", err)
		}
		return nil, fmt.Errorf("chat: get %s: %w", chatID, err)
	}
	return &c, nil
}

// ListMessages returns the newest limit messages of chatID visible to
// viewer, oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID, viewer string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	newest := newTail[Message](limit)
	err := s.ds.List(ctx, store.MessagesPrefix(chatID), func(key string, data []byte) error {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("chat: decode %s: %w", key, err)
		}
		if m.VisibleTo(viewer) {
			newest.Push(m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat: list %s: %w", chatID, err)
	}
	return newest.Items(), nil
}

// Context returns up to n messages ending with messageID, unfiltered, for
// moderator review of a report.
func (s *Store) Context(ctx context.Context, chatID, messageID string, n int) ([]Message, error) {
	if err := ValidateID("chat_id", chatID); err != nil {
		return nil, err
	}
	if err := ValidateID("message_id", messageID); err != nil {
		return nil, err
	}
	window := newTail[Message](n)
	target := store.MessageKey(chatID, messageID)
	err := s.ds.List(ctx, store.MessagesPrefix(chatID), func(key string, data []byte) error {
		if key > target {
			return errStopScan
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("chat: decode %s: %w", key, err)
		}
		window.Push(m)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, fmt.Errorf("chat: context %s: %w", chatID, err)
	}
	return window.Items(), nil
}

var errStopScan = errors.New("chat: stop scan")
