package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps documents in an embedded Badger database. Badger's
// read-write transactions track every key read and fail Commit with
// badger.ErrConflict when another transaction committed one of them first.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string, opts Options) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("store: open badger %s: %w", path, err)
	}
	return NewBadgerStore(db, opts), nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB, opts Options) *BadgerStore {
	return &BadgerStore{db: db, opts: opts.withDefaults()}
}

func (s *BadgerStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return runWithRetry(ctx, s.opts, func(ctx context.Context) error {
		txn := s.db.NewTransaction(true)
		defer txn.Discard()

		if err := fn(ctx, &badgerTx{txn: txn, opts: s.opts}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := txn.Commit(); err != nil {
			if errors.Is(err, badger.ErrConflict) {
				return ErrConflict
			}
			return fmt.Errorf("store: badger commit: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Get(_ context.Context, key string, dst any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, dst)
	})
}

func (s *BadgerStore) List(_ context.Context, prefix string, fn func(key string, data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("store: badger read %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	txn  *badger.Txn
	opts Options
}

func (t *badgerTx) Get(key string, dst any) error {
	return getJSON(t.txn, key, dst)
}

func (t *badgerTx) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	e := badger.NewEntry([]byte(key), data)
	if ttl := t.opts.ttlFor(key); ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return t.txn.SetEntry(e)
}

func (t *badgerTx) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func getJSON(txn *badger.Txn, key string, dst any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: badger get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}
