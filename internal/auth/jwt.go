package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/intelboard/chatguard/internal/apperr"
)

// JWTConfig configures HS256 token verification.
type JWTConfig struct {
	Secret string
	Issuer string // optional; checked when set
	Leeway time.Duration
}

// JWTVerifier verifies HS256 tokens whose subject is the user id. Used for
// self-hosted deployments and tests.
type JWTVerifier struct {
	secret      []byte
	issuer      string
	leeway      time.Duration
	revocations RevocationSource
}

// NewJWTVerifier creates a JWTVerifier. rev may be nil to skip revocation
// checks.
func NewJWTVerifier(cfg JWTConfig, rev RevocationSource) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer, leeway: cfg.Leeway, revocations: rev}, nil
}

// Verify parses and validates raw. Tokens must carry exp, iat and sub.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, apperr.New(apperr.AuthRequired, "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperr.Wrap(apperr.AuthRequired, "token expired", err)
		}
		return Identity{}, apperr.Wrap(apperr.AuthRequired, "invalid token", err)
	}
	if claims.Subject == "" {
		return Identity{}, apperr.New(apperr.AuthRequired, "token has no subject")
	}

	id := Identity{UID: claims.Subject, Provider: "jwt"}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if err := checkRevoked(ctx, v.revocations, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
