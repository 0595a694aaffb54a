// Package auth verifies caller tokens. Token issuance belongs to the identity
// provider; this package only turns a presented token into an Identity and
// rejects expired or revoked ones.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intelboard/chatguard/internal/apperr"
)

// Identity is a verified caller.
type Identity struct {
	UID      string
	IssuedAt time.Time
	Provider string
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// RevocationSource returns the time before which a user's tokens are void.
type RevocationSource interface {
	TokensValidAfter(ctx context.Context, uid string) (time.Time, error)
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the Identity stored in ctx, or the zero Identity.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}

func checkRevoked(ctx context.Context, src RevocationSource, id Identity) error {
	if src == nil {
		return nil
	}
	after, err := src.TokensValidAfter(ctx, id.UID)
	if err != nil {
		return fmt.Errorf("auth: revocation lookup: %w", err)
	}
	if after.IsZero() {
		return nil
	}
	if id.IssuedAt.IsZero() || id.IssuedAt.Before(after) {
		return apperr.New(apperr.AuthRequired, "token revoked")
	}
	return nil
}

// TokenFromRequest returns the bearer token of r. Browsers cannot set
// headers on WebSocket upgrades, so the access_token query parameter is
// accepted as well.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
