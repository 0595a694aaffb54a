package auth

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/intelboard/chatguard/internal/apperr"
)

// FirebaseConfig selects the Firebase project whose ID tokens are accepted.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string // empty uses application default credentials
}

type idTokenVerifier interface {
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens, including Firebase-side
// revocation and disabled accounts.
type FirebaseVerifier struct {
	client      idTokenVerifier
	revocations RevocationSource
}

// NewFirebaseVerifier initialises the Firebase Admin SDK auth client.
func NewFirebaseVerifier(ctx context.Context, cfg FirebaseConfig, rev RevocationSource) (*FirebaseVerifier, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client, revocations: rev}, nil
}

// Verify checks raw with Firebase and then against the local revocation
// horizon.
func (v *FirebaseVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, apperr.New(apperr.AuthRequired, "missing token")
	}
	tok, err := v.client.VerifyIDTokenAndCheckRevoked(ctx, raw)
	if err != nil {
		switch {
		case fbauth.IsIDTokenRevoked(err):
			return Identity{}, apperr.Wrap(apperr.AuthRequired, "token revoked", err)
		case fbauth.IsUserDisabled(err):
			return Identity{}, apperr.Wrap(apperr.AuthRequired, "account disabled", err)
		}
		return Identity{}, apperr.Wrap(apperr.AuthRequired, "invalid token", err)
	}

	id := Identity{UID: tok.UID, IssuedAt: time.Unix(tok.IssuedAt, 0), Provider: "firebase"}
	if err := checkRevoked(ctx, v.revocations, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
