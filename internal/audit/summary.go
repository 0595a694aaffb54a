package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/sanction"
)

// summaryActions are exported even when their count is zero.
var summaryActions = []sanction.Action{
	sanction.ActionBan,
	sanction.ActionUnban,
	sanction.ActionShadowban,
	sanction.ActionUnshadowban,
	sanction.ActionSetRole,
	sanction.ActionAutoMute,
}

// SanctionCounter reads sanction totals.
type SanctionCounter interface {
	SanctionCounts(ctx context.Context, since time.Time) (map[sanction.Action]int, error)
}

// RunSummary logs and exports sanction totals over the trailing window
// every interval until ctx is done.
func RunSummary(ctx context.Context, src SanctionCounter, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := summarize(ctx, src, time.Now(), window); err != nil {
			log.WithError(err).Warn("[audit] sanction summary")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func summarize(ctx context.Context, src SanctionCounter, now time.Time, window time.Duration) error {
	counts, err := src.SanctionCounts(ctx, now.Add(-window))
	if err != nil {
		return err
	}

	fields := log.Fields{"window": window}
	for _, a := range summaryActions {
		metrics.AuditSanctionsWindow.WithLabelValues(string(a)).Set(float64(counts[a]))
		fields[string(a)] = counts[a]
	}
	log.WithFields(fields).Info("[audit] sanction summary")
	return nil
}
