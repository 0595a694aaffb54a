package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/report"
	"github.com/intelboard/chatguard/internal/sanction"
)

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	WriteTimeout time.Duration // bounds a single mirror write
	// A report that brings its target to ReportAlertThreshold reports within
	// ReportWindow is logged as a warning.
	ReportWindow         time.Duration
	ReportAlertThreshold int
}

// DefaultConsumerConfig returns the default consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		WriteTimeout:         5 * time.Second,
		ReportWindow:         24 * time.Hour,
		ReportAlertThreshold: 3,
	}
}

// Consumer mirrors moderation events into a Recorder.
type Consumer struct {
	rec Recorder
	cfg ConsumerConfig
}

// NewConsumer creates a Consumer. Zero fields of cfg take their defaults.
func NewConsumer(rec Recorder, cfg ConsumerConfig) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = def.ReportWindow
	}
	if cfg.ReportAlertThreshold <= 0 {
		cfg.ReportAlertThreshold = def.ReportAlertThreshold
	}
	return &Consumer{rec: rec, cfg: cfg}
}

// Handle records one event received on subject. Failures are logged and
// counted; the event is not retried.
func (c *Consumer) Handle(subject string, data []byte) {
	err := c.handle(subject, data)
	result := "ok"
	if err != nil {
		result = "error"
		log.WithError(err).WithField("subject", subject).Warn("[audit] event not recorded")
	}
	metrics.AuditEventsTotal.WithLabelValues(subject, result).Inc()
}

func (c *Consumer) handle(subject string, data []byte) error {
	v, err := Decode(subject, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	switch e := v.(type) {
	case *report.Report:
		if e.Category == "" {
			e.Category = report.DefaultCategory
		}
		if err := c.rec.RecordReport(ctx, e); err != nil {
			return err
		}
		log.WithFields(log.Fields{"report": e.ID, "reported": e.ReportedUserID, "category": e.Category}).Info("[audit] report recorded")
		c.checkRepeated(ctx, e)
	case *sanction.Entry:
		if err := c.rec.RecordSanction(ctx, e); err != nil {
			return err
		}
		log.WithFields(log.Fields{"action": e.Action, "target": e.TargetID, "actor": e.ActorID}).Info("[audit] sanction recorded")
	}
	return nil
}

// checkRepeated warns when r's target has collected ReportAlertThreshold
// reports within ReportWindow. The alert fires on the report that reaches
// the threshold, not on every report after it.
func (c *Consumer) checkRepeated(ctx context.Context, r *report.Report) {
	n, err := c.rec.CountRecent(ctx, r.ReportedUserID, c.cfg.ReportWindow)
	if err != nil {
		log.WithError(err).WithField("reported", r.ReportedUserID).Debug("[audit] count recent reports")
		return
	}
	if n != c.cfg.ReportAlertThreshold {
		return
	}
	metrics.AuditReportAlerts.Inc()
	log.WithFields(log.Fields{
		"reported": r.ReportedUserID,
		"reports":  n,
		"window":   c.cfg.ReportWindow,
	}).Warn("[audit] user reached repeated report threshold")
}
