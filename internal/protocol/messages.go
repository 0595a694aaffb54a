// Package protocol defines the frames exchanged over the live chat
// WebSocket. Every frame is a JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/intelboard/chatguard/internal/chat"
)

// ErrUnknownType is returned for frames whose type is not a client type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// Client -> Server frame types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeSend  = "send"
	TypePing  = "ping"
)

// Server -> Client frame types.
const (
	TypeConnected = "connected"
	TypeJoined    = "joined"
	TypeLeft      = "left"
	TypeMessage   = "message"
	TypeSent      = "sent"
	TypeError     = "error"
	TypePong      = "pong"
)

// Error codes that are not apperr kinds.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeNotJoined       = "NOT_JOINED"
)

// Envelope holds the frame type and the raw frame for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = append(json.RawMessage(nil), data...)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// JoinMsg subscribes the connection to a chat's live messages.
type JoinMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	// History is how many recent messages to return with the joined frame.
	History int `json:"history,omitempty"`
}

// LeaveMsg stops live delivery for a chat.
type LeaveMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// SendMsg posts a message. Ref is echoed back on the sent or error frame so
// clients can correlate replies.
type SendMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Ref    string `json:"ref,omitempty"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ConnectedMsg is the first frame on a new connection.
type ConnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageView is a chat message as clients see it. Moderation fields are
// never exposed.
type MessageView struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"` // unix milliseconds
}

// ViewOf returns the client view of m.
func ViewOf(m *chat.Message) MessageView {
	return MessageView{
		ID:     m.ID,
		ChatID: m.ChatID,
		From:   m.SenderID,
		Text:   m.Content,
		Ts:     m.CreatedAt.UnixMilli(),
	}
}

// JoinedMsg confirms a join and carries recent visible history.
type JoinedMsg struct {
	Type    string        `json:"type"`
	ChatID  string        `json:"chat_id"`
	History []MessageView `json:"history"`
}

// LeftMsg confirms a leave.
type LeftMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ServerChatMsg delivers one live message.
type ServerChatMsg struct {
	Type string `json:"type"`
	MessageView
}

// SentMsg acknowledges a persisted send.
type SentMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Ref  string `json:"ref,omitempty"`
}

// ErrorMsg reports a failed frame. Code is an apperr kind or one of the
// Code* constants.
type ErrorMsg struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Ref        string `json:"ref,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame into its concrete struct.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field set to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
