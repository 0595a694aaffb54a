// Command moderator mirrors moderation events from NATS into PostgreSQL for
// moderator review.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/audit"
	"github.com/intelboard/chatguard/internal/config"
	"github.com/intelboard/chatguard/internal/logging"
	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/metrics"
)

// queueGroup spreads events across moderator replicas so each is recorded
// once.
const queueGroup = "chatguard-audit"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, config.Usage())
		os.Exit(2)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.Info("[moderator] starting chatguard audit mirror")

	// PostgreSQL setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := audit.Open(ctx, cfg.Postgres.DSN)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("[moderator] failed to connect to PostgreSQL")
	}
	defer db.Close()

	if err := audit.Migrate(db); err != nil {
		log.WithError(err).Fatal("[moderator] failed to apply migrations")
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.WithError(err).Fatal("[moderator] failed to connect to NATS")
	}
	defer natsClient.Close()

	auditStore := audit.NewStore(db)
	consumer := audit.NewConsumer(auditStore, audit.ConsumerConfig{
		WriteTimeout:         cfg.Audit.WriteTimeout,
		ReportWindow:         cfg.Audit.ReportWindow,
		ReportAlertThreshold: cfg.Audit.ReportAlertThreshold,
	})
	err = natsClient.QueueSubscribe(messaging.SubjectModeration, queueGroup, func(msg *nats.Msg) {
		consumer.Handle(msg.Subject, msg.Data)
	})
	if err != nil {
		log.WithError(err).Fatal("[moderator] failed to subscribe to moderation events")
	}

	summaryCtx, stopSummary := context.WithCancel(context.Background())
	defer stopSummary()
	if cfg.Audit.SummaryInterval > 0 {
		go audit.RunSummary(summaryCtx, auditStore, cfg.Audit.SummaryInterval, cfg.Audit.SummaryWindow)
	}

	// Metrics.
	srv := &http.Server{Addr: cfg.Audit.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("[moderator] metrics server")
		}
	}()

	log.WithFields(log.Fields{
		"nats_url":     natsConfig.URL,
		"subject":      messaging.SubjectModeration,
		"queue":        queueGroup,
		"metrics_addr": cfg.Audit.MetricsAddr,
	}).Info("[moderator] running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("[moderator] shutting down")
	stopSummary()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("[moderator] metrics shutdown")
	}
}
