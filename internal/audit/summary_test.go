package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/sanction"
)

type fakeCounter struct {
	since  time.Time
	counts map[sanction.Action]int
	err    error
}

func (f *fakeCounter) SanctionCounts(_ context.Context, since time.Time) (map[sanction.Action]int, error) {
	f.since = since
	return f.counts, f.err
}

func TestSummarizeExportsEveryAction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeCounter{counts: map[sanction.Action]int{sanction.ActionBan: 3, sanction.ActionAutoMute: 7}}

	require.NoError(t, summarize(context.Background(), src, now, 24*time.Hour))

	assert.Equal(t, now.Add(-24*time.Hour), src.since)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AuditSanctionsWindow.WithLabelValues("ban")))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.AuditSanctionsWindow.WithLabelValues("auto_mute")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.AuditSanctionsWindow.WithLabelValues("unban")))
}

func TestSummarizeReportsQueryFailure(t *testing.T) {
	src := &fakeCounter{err: errors.New("connection refused")}
	assert.Error(t, summarize(context.Background(), src, time.Now(), time.Hour))
}

func TestRunSummaryStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSummary(ctx, &fakeCounter{}, time.Hour, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunSummary did not return after cancel")
	}
}
