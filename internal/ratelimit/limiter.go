// Package ratelimit provides per-user, per-action sliding-window rate
// limiting. Each (user, action) pair owns one record holding the timestamps
// of recent accepted requests and a monotonic violation counter:
//
//	Key:   rate_limits/<uid>_<action>
//	Value: {"timestamps": [...ms], "violation_count": n, "last_violation": ms, "since": ms}
//
// since is stamped when the record is created. A record that expired and
// was recreated carries a new since, which tells callers its violation
// counter started over.
//
// The read, prune, decide and write steps of a check run as one datastore
// transaction, so concurrent requests on the same key serialize and can
// never both take the last free slot. Any failure to complete the
// transaction is reported as a denial.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/store"
)

// Record is the persisted sliding-window state for one (user, action) pair.
type Record struct {
	Timestamps     []int64 `json:"timestamps"` // unix ms, ascending
	ViolationCount int     `json:"violation_count"`
	LastViolation  int64   `json:"last_violation,omitempty"` // unix ms
	Since          int64   `json:"since,omitempty"`          // unix ms
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed        bool
	Remaining      int
	ViolationCount int
	// Since identifies the lifetime of the record ViolationCount was read
	// from.
	Since time.Time
	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when the request was allowed.
	RetryAfter time.Duration
}

// Limiter performs rate limiting checks against the datastore.
type Limiter struct {
	ds  store.Datastore
	now func() time.Time
}

// NewLimiter creates a Limiter backed by ds using the wall clock.
func NewLimiter(ds store.Datastore) *Limiter {
	return NewLimiterWithClock(ds, time.Now)
}

// NewLimiterWithClock creates a Limiter reading time from now.
func NewLimiterWithClock(ds store.Datastore, now func() time.Time) *Limiter {
	return &Limiter{ds: ds, now: now}
}

// Check records one request by userID for action under the limits of class.
//
// On success the returned Decision says whether the request may proceed. On
// any error (unknown limit, store failure, retry exhaustion, timeout) the
// Decision is a denial and the error is returned alongside it.
func (l *Limiter) Check(ctx context.Context, userID string, action policy.Action, class policy.Class) (Decision, error) {
	deny := Decision{Allowed: false}

	limit, ok := policy.RateLimit(action, class)
	if !ok {
		metrics.RateLimitDecisions.WithLabelValues(string(action), "error").Inc()
		return deny, fmt.Errorf("ratelimit: no limit for action=%s class=%s", action, class)
	}

	key := store.RateLimitKey(userID, string(action))
	var decision Decision
	err := l.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var rec Record
		if err := tx.Get(key, &rec); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		decision = apply(&rec, l.now(), limit)
		return tx.Set(key, &rec)
	})
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("[ratelimit] check failed (failing closed)")
		metrics.RateLimitDecisions.WithLabelValues(string(action), "error").Inc()
		return deny, fmt.Errorf("ratelimit: check %s: %w", key, err)
	}

	if decision.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(action), "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(string(action), "denied").Inc()
	}
	return decision, nil
}

// apply prunes rec to the window ending at now and records one request
// against it, mutating rec in place.
func apply(rec *Record, now time.Time, limit policy.Limit) Decision {
	nowMs := now.UnixMilli()
	if rec.Since == 0 {
		rec.Since = nowMs
	}
	since := time.UnixMilli(rec.Since).UTC()
	windowStart := nowMs - limit.Window.Milliseconds()

	kept := rec.Timestamps[:0]
	for _, ts := range rec.Timestamps {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	rec.Timestamps = kept

	if len(kept) >= limit.MaxRequests {
		rec.ViolationCount++
		rec.LastViolation = nowMs

		var retry time.Duration
		if len(kept) > 0 {
			retry = time.Duration(kept[0]-windowStart) * time.Millisecond
		}
		return Decision{Allowed: false, Remaining: 0, ViolationCount: rec.ViolationCount, Since: since, RetryAfter: retry}
	}

	rec.Timestamps = append(rec.Timestamps, nowMs)
	return Decision{
		Allowed:        true,
		Remaining:      limit.MaxRequests - len(rec.Timestamps),
		ViolationCount: rec.ViolationCount,
		Since:          since,
	}
}
