// Package sanction applies the sanction ladder to user records:
//
//	NORMAL       -> SHADOWBANNED  Shadowban (mod/admin) or AutoMute (system)
//	SHADOWBANNED -> NORMAL        Unshadowban (mod/admin)
//	*            -> BANNED        Ban (mod/admin)
//	BANNED       -> NORMAL        Unban (mod/admin)
//
// Every transition runs in one datastore transaction that re-reads the
// actor's role, applies the change with its reason and actor to the target's
// record, and appends an audit entry under sanction_audit/. Admin accounts can
// never be banned, shadowbanned or re-roled by another account.
package sanction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/store"
)

const (
	// SystemActor is the actor recorded for automatic escalation.
	SystemActor = "system"

	// ReasonAutoMute is the reason recorded for automatic shadowbans.
	ReasonAutoMute = "auto_mute_spam"

	// DefaultAutoMuteThreshold is the number of chat_message rate-limit
	// violations that triggers an automatic shadowban.
	DefaultAutoMuteThreshold = 5
)

// Action names a sanction transition.
type Action string

const (
	ActionBan         Action = "ban"
	ActionUnban       Action = "unban"
	ActionShadowban   Action = "shadowban"
	ActionUnshadowban Action = "unshadowban"
	ActionSetRole     Action = "set_role"
	ActionAutoMute    Action = "auto_mute"
)

// Entry is one audited transition, stored at sanction_audit/<id> and
// published on moderation.sanction.
type Entry struct {
	ID            string        `json:"id"`
	TargetID      string        `json:"target_id"`
	ActorID       string        `json:"actor_id"`
	Action        Action        `json:"action"`
	Reason        string        `json:"reason,omitempty"`
	PreviousState account.State `json:"previous_state"`
	NewState      account.State `json:"new_state"`
	Role          account.Role  `json:"role,omitempty"`
	At            time.Time     `json:"at"`
}

// Publisher sends encoded events to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Service applies sanctions.
type Service struct {
	ds                store.Datastore
	pub               Publisher
	now               func() time.Time
	autoMuteThreshold int
}

// NewService creates a Service. pub may be nil; a non-positive threshold
// selects DefaultAutoMuteThreshold.
func NewService(ds store.Datastore, pub Publisher, autoMuteThreshold int) *Service {
	if autoMuteThreshold <= 0 {
		autoMuteThreshold = DefaultAutoMuteThreshold
	}
	return &Service{ds: ds, pub: pub, now: time.Now, autoMuteThreshold: autoMuteThreshold}
}

// AutoMuteThreshold returns the configured threshold.
func (s *Service) AutoMuteThreshold() int { return s.autoMuteThreshold }

// Ban places targetID in BANNED.
func (s *Service) Ban(ctx context.Context, actorID, targetID, reason string) error {
	reason = moderation.Sanitize(reason, moderation.MaxReasonChars)
	if reason == "" {
		return apperr.New(apperr.ValidationFailed, "reason is required")
	}
	return s.privileged(ctx, actorID, targetID, ActionBan, reason, func(actor, target *account.User) (bool, error) {
		if target.Role == account.RoleAdmin {
			return false, apperr.New(apperr.AccessDenied, "admin accounts cannot be banned")
		}
		if target.Banned {
			return false, nil
		}
		target.Banned = true
		target.BanReason = reason
		return true, nil
	})
}

// Unban lifts a ban.
func (s *Service) Unban(ctx context.Context, actorID, targetID, reason string) error {
	reason = moderation.Sanitize(reason, moderation.MaxReasonChars)
	return s.privileged(ctx, actorID, targetID, ActionUnban, reason, func(actor, target *account.User) (bool, error) {
		if !target.Banned {
			return false, nil
		}
		target.Banned = false
		target.BanReason = ""
		return true, nil
	})
}

// Shadowban places targetID in SHADOWBANNED.
func (s *Service) Shadowban(ctx context.Context, actorID, targetID, reason string) error {
	reason = moderation.Sanitize(reason, moderation.MaxReasonChars)
	if reason == "" {
		return apperr.New(apperr.ValidationFailed, "reason is required")
	}
	return s.privileged(ctx, actorID, targetID, ActionShadowban, reason, func(actor, target *account.User) (bool, error) {
		if target.Role == account.RoleAdmin {
			return false, apperr.New(apperr.AccessDenied, "admin accounts cannot be shadowbanned")
		}
		if target.Shadowbanned {
			return false, nil
		}
		target.Shadowbanned = true
		target.ShadowbanReason = reason
		return true, nil
	})
}

// Unshadowban returns a shadowbanned user to NORMAL. The auto-mute marker
// is kept, so only fresh violations can trigger another automatic shadowban.
// Once the rate-limit record behind the marker expires, counting restarts
// from zero.
func (s *Service) Unshadowban(ctx context.Context, actorID, targetID, reason string) error {
	reason = moderation.Sanitize(reason, moderation.MaxReasonChars)
	return s.privileged(ctx, actorID, targetID, ActionUnshadowban, reason, func(actor, target *account.User) (bool, error) {
		if !target.Shadowbanned {
			return false, nil
		}
		target.Shadowbanned = false
		target.ShadowbanReason = ""
		return true, nil
	})
}

// SetRole changes targetID's role. Only admins may call it.
func (s *Service) SetRole(ctx context.Context, actorID, targetID string, role account.Role) error {
	if _, ok := account.ParseRole(string(role)); !ok {
		return apperr.New(apperr.ValidationFailed, "unknown role")
	}
	return s.privileged(ctx, actorID, targetID, ActionSetRole, "role="+string(role), func(actor, target *account.User) (bool, error) {
		if actor.Role != account.RoleAdmin {
			return false, apperr.New(apperr.AccessDenied, "only admins can change roles")
		}
		if target.Role == account.RoleAdmin {
			return false, apperr.New(apperr.AccessDenied, "admin roles cannot be changed")
		}
		if target.Role == role {
			return false, nil
		}
		target.Role = role
		return true, nil
	})
}

// AutoMute shadowbans userID after repeated chat_message rate-limit
// violations. violationCount is read from the rate-limit record created at
// since. It transitions only when the user is NORMAL, not an admin, and
// has accumulated AutoMuteThreshold violations since the last automatic
// shadowban counted in the same record. Calling it again while the user is
// sanctioned is a no-op. It reports whether a transition happened.
func (s *Service) AutoMute(ctx context.Context, userID string, violationCount int, since time.Time) (bool, error) {
	if violationCount < s.autoMuteThreshold {
		return false, nil
	}

	var entry *Entry
	err := s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		entry = nil
		u, err := account.Load(tx, userID)
		if err != nil {
			return err
		}
		if u.Role == account.RoleAdmin || u.State() != account.StateNormal {
			return nil
		}
		baseline := u.AutoMuteViolations
		if !u.AutoMuteSince.Equal(since) {
			baseline = 0
		}
		if violationCount-baseline < s.autoMuteThreshold {
			return nil
		}

		now := s.now().UTC()
		u.Shadowbanned = true
		u.ShadowbanReason = ReasonAutoMute
		u.AutoMuteViolations = violationCount
		u.AutoMuteSince = since
		u.SanctionedBy = SystemActor
		u.SanctionedAt = now
		u.UpdatedAt = now

		entry = &Entry{
			ID:            newEntryID(),
			TargetID:      userID,
			ActorID:       SystemActor,
			Action:        ActionAutoMute,
			Reason:        ReasonAutoMute,
			PreviousState: account.StateNormal,
			NewState:      account.StateShadowbanned,
			At:            now,
		}
		if err := account.Save(tx, u); err != nil {
			return err
		}
		return tx.Set(store.SanctionLogKey(entry.ID), entry)
	})
	if err != nil {
		return false, fmt.Errorf("sanction: auto-mute %s: %w", userID, err)
	}
	if entry == nil {
		return false, nil
	}

	log.WithFields(log.Fields{"uid": userID, "violations": violationCount}).Info("[sanction] auto-muted")
	s.committed(entry)
	return true, nil
}

// History returns the audit entries for targetID, oldest first. An empty
// targetID returns every entry.
func (s *Service) History(ctx context.Context, targetID string) ([]Entry, error) {
	var out []Entry
	err := s.ds.List(ctx, store.PrefixSanctionLogs, func(_ string, data []byte) error {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("sanction: decode audit entry: %w", err)
		}
		if targetID == "" || e.TargetID == targetID {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// privileged runs a mod/admin transition. mutate reports whether it changed
// the target; unchanged targets are not written or audited.
func (s *Service) privileged(ctx context.Context, actorID, targetID string, action Action, reason string, mutate func(actor, target *account.User) (bool, error)) error {
	if actorID == "" {
		return apperr.New(apperr.AuthRequired, "authentication required")
	}

	var entry *Entry
	err := s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		entry = nil
		actor, err := account.Load(tx, actorID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return apperr.New(apperr.AccessDenied, "insufficient privileges")
			}
			return err
		}
		if !actor.Role.Privileged() || actor.Banned {
			return apperr.New(apperr.AccessDenied, "insufficient privileges")
		}

		target, err := account.Load(tx, targetID)
		if err != nil {
			return err
		}

		before := target.State()
		changed, err := mutate(actor, target)
		if err != nil || !changed {
			return err
		}

		now := s.now().UTC()
		target.SanctionedBy = actor.ID
		target.SanctionedAt = now
		target.UpdatedAt = now

		entry = &Entry{
			ID:            newEntryID(),
			TargetID:      target.ID,
			ActorID:       actor.ID,
			Action:        action,
			Reason:        reason,
			PreviousState: before,
			NewState:      target.State(),
			At:            now,
		}
		if action == ActionSetRole {
			entry.Role = target.Role
		}
		if err := account.Save(tx, target); err != nil {
			return err
		}
		return tx.Set(store.SanctionLogKey(entry.ID), entry)
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return fmt.Errorf("sanction: %s %s: %w", action, targetID, err)
	}
	if entry == nil {
		return nil
	}

	log.WithFields(log.Fields{"action": action, "actor": actorID, "target": targetID}).Info("[sanction] applied")
	s.committed(entry)
	return nil
}

// committed records metrics and publishes the entry. Publishing is best
// effort: the datastore copy is authoritative.
func (s *Service) committed(e *Entry) {
	metrics.SanctionsTotal.WithLabelValues(string(e.Action)).Inc()
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.WithError(err).Error("[sanction] marshal event")
		return
	}
	if err := s.pub.Publish(messaging.SubjectSanction, data); err != nil {
		log.WithError(err).WithField("entry", e.ID).Warn("[sanction] publish event")
	}
}

// newEntryID returns a time-ordered id so audit keys sort chronologically.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
