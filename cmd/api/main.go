// Command api serves the chatguard HTTP API and live chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/config"
	"github.com/intelboard/chatguard/internal/httpapi"
	"github.com/intelboard/chatguard/internal/logging"
	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/pipeline"
	"github.com/intelboard/chatguard/internal/ratelimit"
	"github.com/intelboard/chatguard/internal/sanction"
	"github.com/intelboard/chatguard/internal/savedconfig"
	"github.com/intelboard/chatguard/internal/ws"
)

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
	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("[api] exiting")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Datastore ---
	ds, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer ds.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-api"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	// --- Domain ---
	accounts := account.NewStore(ds, cfg.Accounts.AutoProvision)
	if err := bootstrapAdmin(ctx, accounts, cfg.Accounts.BootstrapAdmin); err != nil {
		return err
	}
	verifier, err := newVerifier(ctx, cfg.Auth, accounts)
	if err != nil {
		return err
	}
	filter, err := newFilter(cfg.Moderation.ExtraTerms)
	if err != nil {
		return err
	}

	sanctions := sanction.NewService(ds, natsClient, cfg.Moderation.AutoMuteThreshold)
	chats := chat.NewStore(ds)
	p := pipeline.New(pipeline.Deps{
		Datastore:       ds,
		Accounts:        accounts,
		Limiter:         ratelimit.NewLimiter(ds),
		Scorer:          moderation.NewScorer(filter, cfg.Moderation.BlockThreshold),
		Sanctions:       sanctions,
		Chats:           chats,
		Publisher:       natsClient,
		AutoMuteTimeout: cfg.Moderation.AutoMuteTimeout,
	})

	// --- Gateway ---
	wsConfig := ws.DefaultConfig()
	wsConfig.MaxConnections = cfg.HTTP.WSMaxConnections
	wsConfig.ReadTimeout = cfg.HTTP.WSReadTimeout
	wsConfig.WriteTimeout = cfg.HTTP.WSWriteTimeout
	gw, err := ws.New(wsConfig, verifier, p, natsClient)
	if err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	if err := natsClient.Subscribe(messaging.SubjectSanction, func(msg *nats.Msg) {
		gw.HandleSanction(msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe to sanctions: %w", err)
	}

	// --- HTTP ---
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Pipeline:       p,
			Accounts:       accounts,
			Sanctions:      sanctions,
			Chats:          chats,
			Configs:        savedconfig.NewStore(ds),
			Verifier:       verifier,
			Gateway:        gw,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			TrustProxy:     cfg.HTTP.TrustProxy,
			EdgeRPS:        cfg.HTTP.EdgeRPS,
			EdgeBurst:      cfg.HTTP.EdgeBurst,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	log.WithFields(log.Fields{
		"env":         cfg.Env,
		"addr":        cfg.HTTP.Addr,
		"store":       cfg.Store.Driver,
		"auth":        cfg.Auth.Provider,
		"nats_url":    natsConfig.URL,
		"edge_rps":    cfg.HTTP.EdgeRPS,
		"ws_max_conn": wsConfig.MaxConnections,
	}).Info("[api] chatguard starting")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("[api] shutting down")
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	gw.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("[api] http shutdown")
	}
	p.Wait()
	log.Info("[api] stopped")
	return nil
}
