// Package metrics provides Prometheus instrumentation for chatguard. It
// exposes counters for write-path outcomes and abuse decisions, histograms
// for latency and toxicity scores, and gauges for live connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts write-path requests labeled by operation and
	// outcome ("ok" or the failure code).
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_requests_total",
		Help: "Write-path requests by operation and outcome",
	}, []string{"op", "outcome"})

	// RequestLatency records end-to-end pipeline latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatguard_request_latency_seconds",
		Help:    "Write-path processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	// RateLimitDecisions counts limiter decisions labeled by action and
	// decision: "allowed", "denied" or "error".
	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_ratelimit_decisions_total",
		Help: "Rate limiter decisions by action",
	}, []string{"action", "decision"})

	// SanctionsTotal counts sanction transitions by action.
	SanctionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_sanctions_total",
		Help: "Sanction state transitions by action",
	}, []string{"action"})

	// ToxicityScore records the score of every scored text.
	ToxicityScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatguard_toxicity_score",
		Help:    "Distribution of toxicity scores",
		Buckets: []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// StoreConflicts counts optimistic transaction conflicts that caused a retry.
	StoreConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_store_conflicts_total",
		Help: "Transaction conflicts detected by the datastore",
	})

	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatguard_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages labeled by type: "sent", "delivered",
	// "hidden" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// AuditEventsTotal counts moderation events mirrored by the moderator
	// service, labeled by subject and result.
	AuditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_audit_events_total",
		Help: "Moderation events consumed by the audit mirror",
	}, []string{"subject", "result"})

	// AuditReportAlerts counts reports that brought a user to the repeated
	// report threshold.
	AuditReportAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_audit_report_alerts_total",
		Help: "Reports that reached the repeated report threshold for their target",
	})

	// AuditSanctionsWindow holds sanction totals over the summary window,
	// labeled by action.
	AuditSanctionsWindow = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatguard_audit_sanctions_window",
		Help: "Sanction events recorded within the audit summary window",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestLatency,
		RateLimitDecisions,
		SanctionsTotal,
		ToxicityScore,
		StoreConflicts,
		ConnectionsTotal,
		MessagesTotal,
		AuditEventsTotal,
		AuditReportAlerts,
		AuditSanctionsWindow,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
