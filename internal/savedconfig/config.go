// Package savedconfig stores user-owned dashboard configurations. The number
// of configs a user may hold is capped per class by the quota package.
package savedconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/quota"
	"github.com/intelboard/chatguard/internal/store"
)

// MaxBodyBytes bounds the encoded config object.
const MaxBodyBytes = 64 * 1024

// Config is a saved dashboard configuration.
type Config struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	IsPublic  bool            `json:"is_public"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ValidateBody checks that body is a JSON object within MaxBodyBytes.
func ValidateBody(body json.RawMessage) error {
	if len(body) == 0 {
		return apperr.New(apperr.ValidationFailed, "config is required")
	}
	if len(body) > MaxBodyBytes {
		return apperr.New(apperr.ValidationFailed, fmt.Sprintf("config exceeds %d bytes", MaxBodyBytes))
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return apperr.New(apperr.ValidationFailed, "config must be a JSON object")
	}
	return nil
}

// Load reads a config inside tx.
func Load(tx store.Tx, id string) (*Config, error) {
	var c Config
	if err := tx.Get(store.ConfigKey(id), &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "config not found", err)
		}
		return nil, fmt.Errorf("savedconfig: load %s: %w", id, err)
	}
	return &c, nil
}

// LoadOwned reads a config inside tx and checks that ownerID owns it.
func LoadOwned(tx store.Tx, id, ownerID string) (*Config, error) {
	c, err := Load(tx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, apperr.New(apperr.AccessDenied, "config belongs to another user")
	}
	return c, nil
}

// Save writes a config inside tx.
func Save(tx store.Tx, c *Config) error {
	return tx.Set(store.ConfigKey(c.ID), c)
}

// Remove deletes a config inside tx and frees its owner's quota slot.
func Remove(tx store.Tx, c *Config) error {
	if err := tx.Delete(store.ConfigKey(c.ID)); err != nil {
		return err
	}
	return quota.Release(tx, c.OwnerID, policy.ResourceConfig, c.ID)
}

// Store reads saved configs.
type Store struct {
	ds    store.Datastore
	guard *quota.Guard
}

// NewStore creates a Store.
func NewStore(ds store.Datastore) *Store {
	return &Store{ds: ds, guard: quota.NewGuard(ds)}
}

// ListByOwner returns ownerID's configs in creation order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Config, error) {
	ids, err := s.guard.IDs(ctx, ownerID, policy.ResourceConfig)
	if err != nil {
		return nil, err
	}
	out := make([]Config, 0, len(ids))
	for _, id := range ids {
		var c Config
		if err := s.ds.Get(ctx, store.ConfigKey(id), &c); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("savedconfig: get %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Get returns a config visible to viewer: its own, or a public one.
func (s *Store) Get(ctx context.Context, id, viewer string) (*Config, error) {
	var c Config
	if err := s.ds.Get(ctx, store.ConfigKey(id), &c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "config not found", err)
		}
		return nil, fmt.Errorf("savedconfig: get %s: %w", id, err)
	}
	if c.OwnerID != viewer && !c.IsPublic {
		return nil, apperr.New(apperr.NotFound, "config not found")
	}
	return &c, nil
}
