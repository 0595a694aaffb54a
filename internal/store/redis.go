package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps documents as JSON strings in Redis. Transactions use
// WATCH on every key read and apply buffered writes with MULTI/EXEC, so a
// concurrent change to any read key aborts the commit with redis.TxFailedErr.
type RedisStore struct {
	client    *redis.Client
	namespace string
	opts      Options
}

// NewRedisStore creates a RedisStore. Every key is prefixed with namespace.
func NewRedisStore(client *redis.Client, namespace string, opts Options) *RedisStore {
	return &RedisStore{client: client, namespace: namespace, opts: opts.withDefaults()}
}

// RunTransaction runs fn under optimistic concurrency control.
func (s *RedisStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return runWithRetry(ctx, s.opts, func(ctx context.Context) error {
		return s.attempt(ctx, fn)
	})
}

func (s *RedisStore) attempt(ctx context.Context, fn TxFunc) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		t := &redisTx{ctx: ctx, rtx: rtx, store: s, pending: make(map[string]*pendingWrite)}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if len(t.order) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range t.order {
				w := t.pending[key]
				if w.deleted {
					pipe.Del(ctx, s.namespace+key)
					continue
				}
				pipe.Set(ctx, s.namespace+key, w.data, s.opts.ttlFor(key))
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Get reads a single document outside of any transaction.
func (s *RedisStore) Get(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, dst)
}

// List scans all keys under prefix. SCAN gives no ordering guarantee, so keys
// are collected and sorted before documents are fetched.
func (s *RedisStore) List(ctx context.Context, prefix string, fn func(key string, data []byte) error) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.namespace+prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		data, err := s.client.Get(ctx, s.namespace+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired or deleted between SCAN and GET
		}
		if err != nil {
			return fmt.Errorf("store: redis get %s: %w", key, err)
		}
		if err := fn(key, data); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

type pendingWrite struct {
	data    []byte
	deleted bool
}

type redisTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	store   *RedisStore
	pending map[string]*pendingWrite
	order   []string
}

func (t *redisTx) Get(key string, dst any) error {
	if w, ok := t.pending[key]; ok {
		if w.deleted {
			return ErrNotFound
		}
		return json.Unmarshal(w.data, dst)
	}

	full := t.store.namespace + key
	if err := t.rtx.Watch(t.ctx, full).Err(); err != nil {
		return fmt.Errorf("store: redis watch %s: %w", key, err)
	}
	data, err := t.rtx.Get(t.ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, dst)
}

func (t *redisTx) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	t.buffer(key, &pendingWrite{data: data})
	return nil
}

func (t *redisTx) Delete(key string) error {
	t.buffer(key, &pendingWrite{deleted: true})
	return nil
}

func (t *redisTx) buffer(key string, w *pendingWrite) {
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = w
}

// escapeGlob escapes characters that SCAN MATCH would treat as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
