package account

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/store"
)

func newTestDatastore(t *testing.T) store.Datastore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	ds := store.NewBadgerStore(db, store.DefaultOptions())
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestGet_NotRegistered(t *testing.T) {
	s := NewStore(newTestDatastore(t), false)

	_, err := s.Get(context.Background(), "ghost")
	assert.True(t, apperr.Is(err, apperr.AuthRequired), "got %v", err)
}

func TestGet_AutoProvision(t *testing.T) {
	req := require.New(t)
	ds := newTestDatastore(t)
	s := NewStore(ds, true)
	ctx := context.Background()

	u, err := s.Get(ctx, "newbie")
	req.NoError(err)
	req.Equal(RoleUser, u.Role)
	req.Equal(TierFree, u.Tier)
	req.Equal(StateNormal, u.State())

	var stored User
	req.NoError(ds.Get(ctx, store.UserKey("newbie"), &stored))
	req.Equal("newbie", stored.ID)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	s := NewStore(newTestDatastore(t), false)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &User{ID: "a1", Role: RoleAdmin, Tier: TierPro}))
	err := s.Create(ctx, &User{ID: "a1"})
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))

	u, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestNormalize_UnknownValuesDowngrade(t *testing.T) {
	u := &User{Role: "superuser", Tier: "platinum"}
	u.Normalize()
	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, TierFree, u.Tier)
}

func TestState(t *testing.T) {
	tests := []struct {
		name string
		user User
		want State
	}{
		{"normal", User{}, StateNormal},
		{"shadowbanned", User{Shadowbanned: true}, StateShadowbanned},
		{"banned", User{Banned: true}, StateBanned},
		{"banned dominates", User{Banned: true, Shadowbanned: true}, StateBanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.State())
		})
	}
}

func TestRevokeTokens(t *testing.T) {
	req := require.New(t)
	ds := newTestDatastore(t)
	s := NewStore(ds, false)
	ctx := context.Background()

	after, err := s.TokensValidAfter(ctx, "ghost")
	req.NoError(err)
	req.True(after.IsZero())

	req.NoError(s.Create(ctx, &User{ID: "u1"}))
	after, err = s.TokensValidAfter(ctx, "u1")
	req.NoError(err)
	req.True(after.IsZero())

	req.NoError(s.RevokeTokens(ctx, "u1"))
	after, err = s.TokensValidAfter(ctx, "u1")
	req.NoError(err)
	req.False(after.IsZero())

	err = s.RevokeTokens(ctx, "ghost")
	req.True(apperr.Is(err, apperr.NotFound))
}
