package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/store"
	"github.com/intelboard/chatguard/internal/store/storetest"
)

// fakeClock is a manually advanced clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestApply_EmptyRecordAllowsFirstRequest(t *testing.T) {
	var rec Record
	d := apply(&rec, time.UnixMilli(1_000_000), policy.Limit{MaxRequests: 3, Window: time.Minute})

	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, []int64{1_000_000}, rec.Timestamps)
	assert.Equal(t, int64(1_000_000), rec.Since)
	assert.True(t, d.Since.Equal(time.UnixMilli(1_000_000)))
}

func TestApply_ZeroLimitDeniesEverything(t *testing.T) {
	var rec Record
	d := apply(&rec, time.UnixMilli(1_000_000), policy.Limit{MaxRequests: 0, Window: time.Minute})

	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.ViolationCount)
}

func TestApply_PrunesExpiredTimestamps(t *testing.T) {
	now := time.UnixMilli(200_000)
	rec := Record{Timestamps: []int64{100_000, 140_000, 140_001, 190_000}}

	d := apply(&rec, now, policy.Limit{MaxRequests: 3, Window: 60 * time.Second})

	// 140_000 sits exactly on the window start and is pruned.
	assert.True(t, d.Allowed)
	assert.Equal(t, []int64{140_001, 190_000, 200_000}, rec.Timestamps)
	assert.Equal(t, 0, d.Remaining)
}

func TestApply_DenialRecordsViolation(t *testing.T) {
	now := time.UnixMilli(100_000)
	rec := Record{Timestamps: []int64{90_000, 95_000}, ViolationCount: 4}

	d := apply(&rec, now, policy.Limit{MaxRequests: 2, Window: 60 * time.Second})

	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.ViolationCount)
	assert.Equal(t, int64(100_000), rec.LastViolation)
	assert.Equal(t, []int64{90_000, 95_000}, rec.Timestamps, "denied requests are not counted in the window")
	assert.Equal(t, 50*time.Second, d.RetryAfter)
}

// Free tier, 10/60s: ten messages in five seconds pass, an eleventh three
// seconds later is denied, and a retry 61s after the first succeeds.
func TestCheck_SlidingWindowScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	start := clock.Now()
	l := NewLimiterWithClock(storetest.NewBadger(t), clock.Now)

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
		req.NoError(err)
		req.True(d.Allowed, "request %d should be allowed", i+1)
		req.Equal(10-(i+1), d.Remaining)
		clock.Advance(500 * time.Millisecond)
	}

	clock.Advance(3 * time.Second)
	d, err := l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	req.NoError(err)
	req.False(d.Allowed)
	req.Equal(1, d.ViolationCount)

	clock.now = start.Add(61 * time.Second)
	d, err = l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	req.NoError(err)
	req.True(d.Allowed)
	req.Equal(1, d.ViolationCount, "violation count is monotonic")
}

func TestCheck_RecreatedRecordHasNewSince(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ds := storetest.NewBadger(t)
	l := NewLimiterWithClock(ds, clock.Now)

	first, err := l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	req.NoError(err)
	clock.Advance(time.Second)
	again, err := l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	req.NoError(err)
	req.True(first.Since.Equal(again.Since), "since is fixed for the record's lifetime")

	// Simulate the store expiring the idle record.
	req.NoError(ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(store.RateLimitKey("u1", string(policy.ActionChatMessage)))
	}))
	clock.Advance(time.Hour)
	fresh, err := l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	req.NoError(err)
	req.True(fresh.Since.After(first.Since))
	req.Equal(0, fresh.ViolationCount)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(storetest.NewBadger(t))

	for i := 0; i < 5; i++ {
		_, err := l.Check(ctx, "u1", policy.ActionReportMessage, policy.ClassFree)
		require.NoError(t, err)
	}
	d, err := l.Check(ctx, "u1", policy.ActionReportMessage, policy.ClassFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Check(ctx, "u1", policy.ActionChatMessage, policy.ClassFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "different action has its own window")

	d, err = l.Check(ctx, "u2", policy.ActionReportMessage, policy.ClassFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "different user has its own window")
}

func TestCheck_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	const requests = 40
	limit, _ := policy.RateLimit(policy.ActionChatMessage, policy.ClassFree)

	for name, ds := range map[string]store.Datastore{"badger": storetest.NewBadger(t), "redis": storetest.NewRedis(t)} {
		t.Run(name, func(t *testing.T) {
			l := NewLimiter(ds)
			var allowed, denied atomic.Int32

			var wg sync.WaitGroup
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Check(context.Background(), "racer", policy.ActionChatMessage, policy.ClassFree)
					if err != nil {
						t.Errorf("Check: %v", err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(limit.MaxRequests), allowed.Load())
			assert.Equal(t, int32(requests-limit.MaxRequests), denied.Load())

			var rec Record
			require.NoError(t, ds.Get(context.Background(), store.RateLimitKey("racer", "chat_message"), &rec))
			assert.Len(t, rec.Timestamps, limit.MaxRequests)
			assert.Equal(t, requests-limit.MaxRequests, rec.ViolationCount)
		})
	}
}

// brokenStore fails every transaction.
type brokenStore struct {
	store.Datastore
	err error
}

func (b brokenStore) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	return b.err
}

func TestCheck_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"retries exhausted", store.ErrRetriesExhausted},
		{"timeout", context.DeadlineExceeded},
		{"backend down", errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(brokenStore{err: tt.err})
			d, err := l.Check(context.Background(), "u1", policy.ActionChatMessage, policy.ClassFree)
			assert.ErrorIs(t, err, tt.err)
			assert.False(t, d.Allowed)
		})
	}
}

func TestCheck_UnknownActionDenied(t *testing.T) {
	l := NewLimiter(storetest.NewBadger(t))
	d, err := l.Check(context.Background(), "u1", "nuke", policy.ClassAdmin)
	assert.Error(t, err)
	assert.False(t, d.Allowed)
}
