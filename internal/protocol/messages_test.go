package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/chat"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		want     any
	}{
		{
			name:     "join",
			input:    `{"type":"join","chat_id":"ops-room","history":20}`,
			wantType: TypeJoin,
			want:     JoinMsg{Type: TypeJoin, ChatID: "ops-room", History: 20},
		},
		{
			name:     "leave",
			input:    `{"type":"leave","chat_id":"ops-room"}`,
			wantType: TypeLeave,
			want:     LeaveMsg{Type: TypeLeave, ChatID: "ops-room"},
		},
		{
			name:     "send with ref",
			input:    `{"type":"send","chat_id":"ops-room","text":"Hello!","ref":"c-1"}`,
			wantType: TypeSend,
			want:     SendMsg{Type: TypeSend, ChatID: "ops-room", Text: "Hello!", Ref: "c-1"},
		},
		{
			name:     "ping",
			input:    `{"type":"ping"}`,
			wantType: TypePing,
			want:     PingMsg{Type: TypePing},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msgType)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"chat_id":"ops-room"}`},
		{"empty type", `{"type":""}`},
		{"server only type", `{"type":"joined","chat_id":"ops-room"}`},
		{"unknown type", `{"type":"find_match"}`},
		{"wrong field type", `{"type":"send","chat_id":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestParseClientMessage_UnknownTypeIsDistinguishable(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"typing"}`))
	assert.Equal(t, "typing", msgType)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, _, err = ParseClientMessage([]byte(`{"type":"send","text":7}`))
	assert.NotErrorIs(t, err, ErrUnknownType)
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMessage, ServerChatMsg{MessageView: MessageView{
		ID:     "m-1",
		ChatID: "ops-room",
		From:   "alice",
		Text:   "hi",
		Ts:     1760000000123,
	}})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeMessage, got["type"])
	assert.Equal(t, "alice", got["from"])
	assert.Equal(t, "ops-room", got["chat_id"])
	assert.NotContains(t, string(data), "e+12")
	assert.Contains(t, string(data), `"ts":1760000000123`)
}

func TestNewServerMessage_ErrorOmitsEmptyFields(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: CodeParseError, Message: "invalid message format"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"PARSE_ERROR","message":"invalid message format"}`, string(data))

	data, err = NewServerMessage(TypeError, ErrorMsg{Code: "RATE_LIMITED", Message: "slow down", Ref: "c-9", RetryAfter: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"RATE_LIMITED","message":"slow down","ref":"c-9","retry_after":3}`, string(data))
}

func TestNewServerMessage_UnmarshalablePayload(t *testing.T) {
	_, err := NewServerMessage(TypePong, make(chan int))
	assert.Error(t, err)
}

func TestViewOf_HidesModerationFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &chat.Message{
		ID:            "m-1",
		ChatID:        "ops-room",
		SenderID:      "troll",
		Content:       "hi",
		ToxicityScore: 0.4,
		Shadowbanned:  true,
		CreatedAt:     at,
	}
	v := ViewOf(m)
	assert.Equal(t, MessageView{ID: "m-1", ChatID: "ops-room", From: "troll", Text: "hi", Ts: at.UnixMilli()}, v)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "shadowban")
	assert.NotContains(t, string(data), "toxicity")
}
