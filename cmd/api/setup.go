package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/config"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/store"
)

func openStore(ctx context.Context, cfg config.Store) (store.Datastore, error) {
	opts := store.DefaultOptions()
	opts.MaxAttempts = cfg.MaxAttempts
	opts.TxTimeout = cfg.TxTimeout
	opts.TTLs = map[string]time.Duration{store.PrefixRateLimits: cfg.RecordTTL}

	switch cfg.Driver {
	case "badger":
		ds, err := store.OpenBadger(cfg.BadgerPath, opts)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		return ds, nil
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(client, cfg.Namespace, opts), nil
	}
}

func newVerifier(ctx context.Context, cfg config.Auth, accounts *account.Store) (auth.Verifier, error) {
	if cfg.Provider == "firebase" {
		v, err := auth.NewFirebaseVerifier(ctx, auth.FirebaseConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
		}, accounts)
		if err != nil {
			return nil, fmt.Errorf("firebase verifier: %w", err)
		}
		return v, nil
	}
	v, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
		Leeway: cfg.JWTLeeway,
	}, accounts)
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	return v, nil
}

// newFilter extends the default blocklist with operator supplied terms,
// which count as profanity.
func newFilter(extra []string) (*moderation.Filter, error) {
	if len(extra) == 0 {
		return moderation.NewFilter(), nil
	}
	categories := append([]moderation.Category{}, moderation.DefaultCategories...)
	categories = append(categories, moderation.Category{Flag: "profanity", Weight: 0.7, Terms: extra})
	return moderation.NewFilterWithCategories(categories)
}

func bootstrapAdmin(ctx context.Context, accounts *account.Store, uid string) error {
	if uid == "" {
		return nil
	}
	err := accounts.Create(ctx, &account.User{ID: uid, Role: account.RoleAdmin, Tier: account.TierPro})
	switch {
	case err == nil:
		log.WithField("uid", uid).Info("[api] bootstrap admin created")
	case apperr.Is(err, apperr.ValidationFailed):
		// already exists
	default:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}
