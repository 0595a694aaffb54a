// Package storetest provides Datastore fixtures for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/intelboard/chatguard/internal/store"
)

// Options are generous enough for heavily contended tests.
func Options() store.Options {
	return store.Options{MaxAttempts: 500, TxTimeout: 30 * time.Second, BaseBackoff: time.Millisecond}
}

// NewBadger returns a Badger-backed Datastore in a temporary directory.
func NewBadger(t testing.TB) store.Datastore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	ds := store.NewBadgerStore(db, Options())
	t.Cleanup(func() { ds.Close() })
	return ds
}

// NewRedis returns a Redis-backed Datastore on an in-process miniredis.
func NewRedis(t testing.TB) store.Datastore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStore(client, "test:", Options())
}

// Put writes v at key, failing the test on error.
func Put(t testing.TB, ds store.Datastore, key string, v any) {
	t.Helper()
	err := ds.RunTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Set(key, v)
	})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
