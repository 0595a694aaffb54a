// Package store provides the transactional document store every write path
// goes through. Documents are JSON values addressed by slash-separated keys
// (users/<uid>, rate_limits/<uid>_<action>, chats/<id>/messages/<id>, ...).
//
// All read-modify-write sequences run inside RunTransaction. Backends use
// optimistic concurrency: a transaction whose reads were invalidated by a
// concurrent commit is discarded and re-run, up to Options.MaxAttempts times.
// Exhausting the attempts returns ErrRetriesExhausted and nothing is written.
package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/metrics"
)

var (
	// ErrNotFound is returned when a key holds no document.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict signals that a transaction lost an optimistic-concurrency
	// race. It is retried internally and never escapes RunTransaction.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrRetriesExhausted is returned when a transaction kept conflicting
	// for MaxAttempts attempts.
	ErrRetriesExhausted = errors.New("store: transaction retries exhausted")
)

// Tx is the view of the store inside a transaction. Reads observe the
// transaction's own buffered writes.
type Tx interface {
	Get(key string, dst any) error
	Set(key string, v any) error
	Delete(key string) error
}

// TxFunc is the body of a transaction. It may run more than once, so it
// must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Datastore is a transactional document store.
type Datastore interface {
	RunTransaction(ctx context.Context, fn TxFunc) error
	Get(ctx context.Context, key string, dst any) error
	// List calls fn for every document whose key starts with prefix, in
	// ascending key order.
	List(ctx context.Context, prefix string, fn func(key string, data []byte) error) error
	Close() error
}

// Options tunes transaction behaviour shared by all backends.
type Options struct {
	MaxAttempts int           // attempts per transaction before ErrRetriesExhausted
	TxTimeout   time.Duration // upper bound for one RunTransaction call, retries included
	BaseBackoff time.Duration // first retry delay, doubled per attempt, jittered
	// TTLs maps a key prefix to the lifetime of documents written under it.
	// Documents under other prefixes never expire.
	TTLs map[string]time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 8,
		TxTimeout:   3 * time.Second,
		BaseBackoff: 2 * time.Millisecond,
		TTLs: map[string]time.Duration{
			PrefixRateLimits: 24 * time.Hour,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = d.TxTimeout
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.TTLs == nil {
		o.TTLs = d.TTLs
	}
	return o
}

// ttlFor returns the expiry for key, or 0 if it should persist.
func (o Options) ttlFor(key string) time.Duration {
	for prefix, ttl := range o.TTLs {
		if strings.HasPrefix(key, prefix) {
			return ttl
		}
	}
	return 0
}

const maxBackoff = 50 * time.Millisecond

// runWithRetry executes attempt until it succeeds, fails with something other
// than ErrConflict, or the attempt budget or context runs out.
func runWithRetry(ctx context.Context, opts Options, attempt func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, opts.TxTimeout)
	defer cancel()

	backoff := opts.BaseBackoff
	for i := 1; i <= opts.MaxAttempts; i++ {
		err := attempt(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		metrics.StoreConflicts.Inc()
		if i == opts.MaxAttempts {
			break
		}

		wait := backoff/2 + rand.N(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}

	log.WithField("attempts", opts.MaxAttempts).Warn("[store] transaction retries exhausted")
	return ErrRetriesExhausted
}
