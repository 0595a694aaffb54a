// Package quota guards standing-count ceilings on owned resources. Each
// owner has an index document listing the ids it owns; reserving a slot
// reads the index and, if below the ceiling, appends the new id in the same
// transaction that creates the resource. Concurrent creations therefore
// conflict on the index and can never overshoot the ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/store"
)

// Index lists the resources of one kind owned by one user.
type Index struct {
	IDs []string `json:"ids"`
}

func indexKey(kind policy.ResourceKind, ownerID string) (string, error) {
	switch kind {
	case policy.ResourceConfig:
		return store.ConfigIndexKey(ownerID), nil
	}
	return "", fmt.Errorf("quota: unknown resource kind %q", kind)
}

func loadIndex(tx store.Tx, key string) (*Index, error) {
	var idx Index
	if err := tx.Get(key, &idx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("quota: load %s: %w", key, err)
	}
	return &idx, nil
}

// Reservation is a granted slot, valid for the transaction it was made in.
type Reservation struct {
	tx    store.Tx
	key   string
	index *Index
}

// Commit records resourceID in the owner's index.
func (r *Reservation) Commit(resourceID string) error {
	r.index.IDs = append(r.index.IDs, resourceID)
	return r.tx.Set(r.key, r.index)
}

// Reserve checks ownerID's standing count for kind against the ceiling of
// class inside tx. It returns QuotaExceeded without writing anything when
// the ceiling is reached. class must come from the stored user record.
func Reserve(tx store.Tx, ownerID string, kind policy.ResourceKind, class policy.Class) (*Reservation, error) {
	key, err := indexKey(kind, ownerID)
	if err != nil {
		return nil, err
	}
	idx, err := loadIndex(tx, key)
	if err != nil {
		return nil, err
	}
	if len(idx.IDs) >= policy.Quota(kind, class) {
		return nil, apperr.New(apperr.QuotaExceeded, fmt.Sprintf("%s limit reached for %s tier", kind, class))
	}
	return &Reservation{tx: tx, key: key, index: idx}, nil
}

// Release removes resourceID from ownerID's index inside tx.
func Release(tx store.Tx, ownerID string, kind policy.ResourceKind, resourceID string) error {
	key, err := indexKey(kind, ownerID)
	if err != nil {
		return err
	}
	idx, err := loadIndex(tx, key)
	if err != nil {
		return err
	}
	if !lo.Contains(idx.IDs, resourceID) {
		return nil
	}
	idx.IDs = lo.Without(idx.IDs, resourceID)
	return tx.Set(key, idx)
}

// Guard answers quota questions outside a creating transaction.
type Guard struct {
	ds store.Datastore
}

// NewGuard creates a Guard.
func NewGuard(ds store.Datastore) *Guard {
	return &Guard{ds: ds}
}

// TryReserve reports whether ownerID may create one more resource of kind.
// The class is re-derived from the stored user record. It does not hold the
// slot: creation paths must call Reserve in their own transaction. Any
// failure denies.
func (g *Guard) TryReserve(ctx context.Context, ownerID string, kind policy.ResourceKind) (bool, error) {
	allowed := false
	err := g.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		allowed = false
		u, err := account.Load(tx, ownerID)
		if err != nil {
			return err
		}
		if _, err := Reserve(tx, ownerID, kind, policy.ClassOf(u)); err != nil {
			if apperr.Is(err, apperr.QuotaExceeded) {
				return nil
			}
			return err
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Count returns the number of resources of kind owned by ownerID.
func (g *Guard) Count(ctx context.Context, ownerID string, kind policy.ResourceKind) (int, error) {
	key, err := indexKey(kind, ownerID)
	if err != nil {
		return 0, err
	}
	var idx Index
	if err := g.ds.Get(ctx, key, &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return len(idx.IDs), nil
}

// IDs returns the ids of resources of kind owned by ownerID.
func (g *Guard) IDs(ctx context.Context, ownerID string, kind policy.ResourceKind) ([]string, error) {
	key, err := indexKey(kind, ownerID)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := g.ds.Get(ctx, key, &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return idx.IDs, nil
}
