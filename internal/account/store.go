package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/store"
)

// Load reads the user record inside tx.
func Load(tx store.Tx, uid string) (*User, error) {
	var u User
	if err := tx.Get(store.UserKey(uid), &u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "user not found", err)
		}
		return nil, fmt.Errorf("account: load %s: %w", uid, err)
	}
	u.Normalize()
	return &u, nil
}

// Save writes the user record inside tx.
func Save(tx store.Tx, u *User) error {
	return tx.Set(store.UserKey(u.ID), u)
}

// Store reads user records and provisions missing ones.
type Store struct {
	ds            store.Datastore
	autoProvision bool
	now           func() time.Time
}

// NewStore creates a Store. With autoProvision set, a verified identity
// without a record gets a default user/free record on first load.
func NewStore(ds store.Datastore, autoProvision bool) *Store {
	return &Store{ds: ds, autoProvision: autoProvision, now: time.Now}
}

// Get reads the current user record. It is never cached: every call goes to
// the datastore so sanction changes apply on the very next request.
func (s *Store) Get(ctx context.Context, uid string) (*User, error) {
	var u User
	err := s.ds.Get(ctx, store.UserKey(uid), &u)
	if err == nil {
		u.Normalize()
		return &u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account: get %s: %w", uid, err)
	}
	if !s.autoProvision {
		return nil, apperr.Wrap(apperr.AuthRequired, "account not registered", err)
	}
	return s.provision(ctx, uid)
}

// provision creates the default record unless a concurrent request already
// did, in which case the stored record wins.
func (s *Store) provision(ctx context.Context, uid string) (*User, error) {
	var out *User
	err := s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := Load(tx, uid)
		if err == nil {
			out = existing
			return nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		now := s.now().UTC()
		out = &User{ID: uid, Role: RoleUser, Tier: TierFree, CreatedAt: now, UpdatedAt: now}
		return Save(tx, out)
	})
	if err != nil {
		return nil, fmt.Errorf("account: provision %s: %w", uid, err)
	}
	log.WithField("uid", uid).Info("[account] provisioned default account")
	return out, nil
}

// Create writes a new record, failing if one already exists. Used for
// seeding operator accounts.
func (s *Store) Create(ctx context.Context, u *User) error {
	return s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := Load(tx, u.ID); err == nil {
			return apperr.New(apperr.ValidationFailed, "account already exists")
		} else if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		now := s.now().UTC()
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.UpdatedAt = now
		u.Normalize()
		return Save(tx, u)
	})
}

// TokensValidAfter returns uid's revocation horizon. Unknown users have
// none.
func (s *Store) TokensValidAfter(ctx context.Context, uid string) (time.Time, error) {
	var u User
	if err := s.ds.Get(ctx, store.UserKey(uid), &u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("account: get %s: %w", uid, err)
	}
	return u.TokensValidAfter, nil
}

// RevokeTokens invalidates every token issued to uid before now.
func (s *Store) RevokeTokens(ctx context.Context, uid string) error {
	return s.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := Load(tx, uid)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		u.TokensValidAfter = now
		u.UpdatedAt = now
		return Save(tx, u)
	})
}
