package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/quota"
	"github.com/intelboard/chatguard/internal/savedconfig"
	"github.com/intelboard/chatguard/internal/store"
)

// SaveConfig creates or updates one of the caller's dashboard configs.
// Creation reserves a quota slot in the same transaction that writes the
// config, against the class of the freshly read user record.
func (p *Pipeline) SaveConfig(ctx context.Context, id auth.Identity, req SaveConfigRequest) (res Result, err error) {
	defer func(start time.Time) { observe("save_config", start, err) }(time.Now())

	u, err := p.admit(ctx, id, policy.ActionSaveConfig)
	if err != nil {
		return Result{}, err
	}

	if err := p.check(req); err != nil {
		return Result{}, err
	}
	if err := savedconfig.ValidateBody(req.Config); err != nil {
		return Result{}, err
	}
	name := moderation.SanitizeValue(req.Name, moderation.MaxConfigNameChars)
	if name == "" {
		return Result{}, apperr.New(apperr.ValidationFailed, "name is required")
	}
	if _, err := p.reject("name", name); err != nil {
		return Result{}, err
	}

	configID := req.ConfigID
	if configID == "" {
		configID = uuid.NewString()
	}
	err = p.persist(ctx, u.ID, func(tx store.Tx, fresh *account.User) error {
		now := p.now().UTC()
		if req.ConfigID != "" {
			c, err := savedconfig.LoadOwned(tx, configID, fresh.ID)
			if err != nil {
				return err
			}
			c.Name = name
			c.Config = req.Config
			if req.IsPublic != nil {
				c.IsPublic = *req.IsPublic
			}
			c.UpdatedAt = now
			return savedconfig.Save(tx, c)
		}

		slot, err := quota.Reserve(tx, fresh.ID, policy.ResourceConfig, policy.ClassOf(fresh))
		if err != nil {
			return err
		}
		c := &savedconfig.Config{
			ID:        configID,
			OwnerID:   fresh.ID,
			Name:      name,
			Config:    req.Config,
			IsPublic:  req.IsPublic != nil && *req.IsPublic,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := savedconfig.Save(tx, c); err != nil {
			return err
		}
		return slot.Commit(c.ID)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: configID}, nil
}

// DeleteConfig removes one of the caller's configs and frees its quota
// slot. It shares the save_config rate limit.
func (p *Pipeline) DeleteConfig(ctx context.Context, id auth.Identity, configID string) (res Result, err error) {
	defer func(start time.Time) { observe("delete_config", start, err) }(time.Now())

	u, err := p.admit(ctx, id, policy.ActionSaveConfig)
	if err != nil {
		return Result{}, err
	}
	if configID == "" {
		return Result{}, apperr.New(apperr.ValidationFailed, "config id is required")
	}

	err = p.persist(ctx, u.ID, func(tx store.Tx, fresh *account.User) error {
		c, err := savedconfig.LoadOwned(tx, configID, fresh.ID)
		if err != nil {
			return err
		}
		return savedconfig.Remove(tx, c)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: configID}, nil
}
