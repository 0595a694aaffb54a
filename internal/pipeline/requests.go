package pipeline

import "encoding/json"

// SendMessageRequest is the client payload of SendMessage.
type SendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// ReportRequest is the client payload of ReportMessage. The reported user
// is never part of it.
type ReportRequest struct {
	Reason   string `json:"reason" validate:"required"`
	Category string `json:"category" validate:"omitempty,oneof=harassment spam explicit hate other"`
}

// SaveConfigRequest is the client payload of SaveConfig. An empty ConfigID
// creates a new config; otherwise the caller's existing config is updated.
// Name is untyped so that non-string input sanitizes to empty instead of
// failing to decode.
type SaveConfigRequest struct {
	ConfigID string          `json:"config_id" validate:"omitempty,max=64"`
	Name     any             `json:"name"`
	Config   json.RawMessage `json:"config" validate:"required"`
	IsPublic *bool           `json:"is_public"`
}

// SettingsRequest is the whitelisted, partial settings update. Nil fields
// are left unchanged. Role, tier and sanction fields cannot be expressed.
type SettingsRequest struct {
	DisplayName        any     `json:"display_name"`
	Theme              *string `json:"theme" validate:"omitempty,oneof=light dark system"`
	Language           *string `json:"language" validate:"omitempty,bcp47_language_tag"`
	RefreshSeconds     *int    `json:"refresh_seconds" validate:"omitempty,min=15,max=3600"`
	EmailNotifications *bool   `json:"email_notifications"`
}

func (r SettingsRequest) empty() bool {
	return r.DisplayName == nil && r.Theme == nil && r.Language == nil &&
		r.RefreshSeconds == nil && r.EmailNotifications == nil
}
