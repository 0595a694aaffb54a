// Package account holds the authoritative user record: role, subscription
// tier, sanction state and self-service settings. Records live under
// users/<uid> and are only written by server code.
package account

import (
	"time"
)

// Role is the privilege level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleMod   Role = "mod"
	RoleAdmin Role = "admin"
)

var roles = map[string]Role{
	"user":  RoleUser,
	"mod":   RoleMod,
	"admin": RoleAdmin,
}

// ParseRole returns the Role named s.
func ParseRole(s string) (Role, bool) {
	r, ok := roles[s]
	return r, ok
}

// Privileged reports whether the role may apply sanctions.
func (r Role) Privileged() bool {
	return r == RoleMod || r == RoleAdmin
}

// Tier is the subscription level of an account.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

var tiers = map[string]Tier{
	"free": TierFree,
	"pro":  TierPro,
}

// ParseTier returns the Tier named s.
func ParseTier(s string) (Tier, bool) {
	t, ok := tiers[s]
	return t, ok
}

// State is the sanction state derived from the record's flags.
type State string

const (
	StateNormal       State = "NORMAL"
	StateShadowbanned State = "SHADOWBANNED"
	StateBanned       State = "BANNED"
)

// Settings are the user-editable dashboard preferences.
type Settings struct {
	DisplayName        string `json:"display_name,omitempty"`
	Theme              string `json:"theme,omitempty"`
	Language           string `json:"language,omitempty"`
	RefreshSeconds     int    `json:"refresh_seconds,omitempty"`
	EmailNotifications bool   `json:"email_notifications"`
}

// User is the document stored at users/<uid>.
type User struct {
	ID              string `json:"id"`
	Role            Role   `json:"role"`
	Tier            Tier   `json:"subscription_tier"`
	Banned          bool   `json:"banned"`
	BanReason       string `json:"ban_reason,omitempty"`
	Shadowbanned    bool   `json:"shadowbanned"`
	ShadowbanReason string `json:"shadowban_reason,omitempty"`

	// SanctionedBy and SanctionedAt record the actor and time of the last
	// sanction transition ("system" for automatic escalation).
	SanctionedBy string    `json:"sanctioned_by,omitempty"`
	SanctionedAt time.Time `json:"sanctioned_at,omitzero"`

	// AutoMuteViolations is the chat_message violation count at the time
	// of the last automatic shadowban.
	AutoMuteViolations int `json:"auto_mute_violations,omitempty"`
	// AutoMuteSince is the lifetime of the rate-limit record that
	// AutoMuteViolations was counted in.
	AutoMuteSince time.Time `json:"auto_mute_since,omitzero"`

	// TokensValidAfter revokes every token issued before it.
	TokensValidAfter time.Time `json:"tokens_valid_after,omitzero"`

	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State returns the sanction state. BANNED dominates SHADOWBANNED.
func (u *User) State() State {
	switch {
	case u.Banned:
		return StateBanned
	case u.Shadowbanned:
		return StateShadowbanned
	default:
		return StateNormal
	}
}

// Normalize replaces unknown role or tier values with the least privileged
// ones so a malformed record never grants more than a default account.
func (u *User) Normalize() {
	if _, ok := roles[string(u.Role)]; !ok {
		u.Role = RoleUser
	}
	if _, ok := tiers[string(u.Tier)]; !ok {
		u.Tier = TierFree
	}
}
