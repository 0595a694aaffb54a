package chat

import (
	"strings"
	"testing"

	"github.com/intelboard/chatguard/internal/apperr"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"at limit", strings.Repeat("é", MaxTextChars), false},
		{"over limit", strings.Repeat("a", MaxTextChars+1), true},
		{"invalid utf8", "bad\xff", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRaw(t *testing.T) {
	if err := ValidateRaw(strings.Repeat("a", MaxMessageBytes)); err != nil {
		t.Errorf("payload at limit rejected: %v", err)
	}
	if err := ValidateRaw(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("oversized payload accepted")
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"slug", "ops-room", false},
		{"uuid", "0192f5d4-7c1e-7b6a-9d3e-4f2a1b0c9d8e", false},
		{"underscore", "team_a", false},
		{"at limit", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"over limit", strings.Repeat("a", 65), true},
		{"nested path", "ops-room/messages/m1", true},
		{"subject separator", "ops.room", true},
		{"subject wildcard", "*", true},
		{"space", "ops room", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("chat_id", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !apperr.Is(err, apperr.ValidationFailed) {
				t.Errorf("ValidateID(%q) kind = %s, want %s", tt.id, apperr.KindOf(err), apperr.ValidationFailed)
			}
		})
	}
}
