package pipeline

import (
	"context"
	"time"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/store"
)

// SaveSettings applies a partial settings update to the caller's record.
// Only the fields of SettingsRequest can change; everything else on the
// record is server-owned.
func (p *Pipeline) SaveSettings(ctx context.Context, id auth.Identity, req SettingsRequest) (res Result, err error) {
	defer func(start time.Time) { observe("save_settings", start, err) }(time.Now())

	u, err := p.admit(ctx, id, policy.ActionSaveSettings)
	if err != nil {
		return Result{}, err
	}

	if req.empty() {
		return Result{}, apperr.New(apperr.ValidationFailed, "no settings to update")
	}
	if err := p.check(req); err != nil {
		return Result{}, err
	}

	var displayName string
	if req.DisplayName != nil {
		displayName = moderation.SanitizeValue(req.DisplayName, moderation.MaxDisplayNameChars)
		if displayName != "" {
			if _, err := p.reject("display name", displayName); err != nil {
				return Result{}, err
			}
		}
	}

	err = p.persist(ctx, u.ID, func(tx store.Tx, fresh *account.User) error {
		s := &fresh.Settings
		if req.DisplayName != nil {
			s.DisplayName = displayName
		}
		if req.Theme != nil {
			s.Theme = *req.Theme
		}
		if req.Language != nil {
			s.Language = *req.Language
		}
		if req.RefreshSeconds != nil {
			s.RefreshSeconds = *req.RefreshSeconds
		}
		if req.EmailNotifications != nil {
			s.EmailNotifications = *req.EmailNotifications
		}
		fresh.UpdatedAt = p.now().UTC()
		return account.Save(tx, fresh)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: u.ID}, nil
}
