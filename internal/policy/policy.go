// Package policy is the fixed catalog of per-class limits: sliding-window
// rate limits per action and standing-count quotas per resource kind.
// Classes are always derived from the stored user record.
package policy

import (
	"time"

	"github.com/intelboard/chatguard/internal/account"
)

// Class selects a row of the limit catalog.
type Class string

const (
	ClassFree  Class = "free"
	ClassPro   Class = "pro"
	ClassMod   Class = "mod"
	ClassAdmin Class = "admin"
)

// ClassOf returns the limit class of u: its role for mods and admins,
// otherwise its subscription tier.
func ClassOf(u *account.User) Class {
	switch u.Role {
	case account.RoleAdmin:
		return ClassAdmin
	case account.RoleMod:
		return ClassMod
	}
	if u.Tier == account.TierPro {
		return ClassPro
	}
	return ClassFree
}

// Action is a rate-limited write operation.
type Action string

const (
	ActionChatMessage   Action = "chat_message"
	ActionReportMessage Action = "report_message"
	ActionSaveConfig    Action = "save_config"
	ActionSaveSettings  Action = "save_settings"
)

// Limit is a sliding-window rate limit.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

var rateLimits = map[Action]map[Class]Limit{
	ActionChatMessage: {
		ClassFree:  {MaxRequests: 10, Window: time.Minute},
		ClassPro:   {MaxRequests: 30, Window: time.Minute},
		ClassMod:   {MaxRequests: 60, Window: time.Minute},
		ClassAdmin: {MaxRequests: 120, Window: time.Minute},
	},
	ActionReportMessage: {
		ClassFree:  {MaxRequests: 5, Window: 10 * time.Minute},
		ClassPro:   {MaxRequests: 10, Window: 10 * time.Minute},
		ClassMod:   {MaxRequests: 50, Window: 10 * time.Minute},
		ClassAdmin: {MaxRequests: 100, Window: 10 * time.Minute},
	},
	ActionSaveConfig: {
		ClassFree:  {MaxRequests: 20, Window: time.Hour},
		ClassPro:   {MaxRequests: 60, Window: time.Hour},
		ClassMod:   {MaxRequests: 120, Window: time.Hour},
		ClassAdmin: {MaxRequests: 240, Window: time.Hour},
	},
	ActionSaveSettings: {
		ClassFree:  {MaxRequests: 10, Window: time.Minute},
		ClassPro:   {MaxRequests: 20, Window: time.Minute},
		ClassMod:   {MaxRequests: 40, Window: time.Minute},
		ClassAdmin: {MaxRequests: 80, Window: time.Minute},
	},
}

// RateLimit returns the limit for action and class.
func RateLimit(action Action, class Class) (Limit, bool) {
	l, ok := rateLimits[action][class]
	return l, ok
}

// ResourceKind is a quota-guarded resource.
type ResourceKind string

const ResourceConfig ResourceKind = "config"

var quotas = map[ResourceKind]map[Class]int{
	ResourceConfig: {
		ClassFree:  3,
		ClassPro:   25,
		ClassMod:   50,
		ClassAdmin: 100,
	},
}

// Quota returns the standing-count ceiling for kind and class. Unknown
// combinations get 0, which denies every creation.
func Quota(kind ResourceKind, class Class) int {
	return quotas[kind][class]
}
