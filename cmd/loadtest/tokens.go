package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// minter signs HS256 tokens for simulated users.
type minter struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func newMinter(secret, issuer string, ttl time.Duration) (*minter, error) {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return nil, fmt.Errorf("a JWT secret is required (-secret or JWT_SECRET)")
	}
	return &minter{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

func (m *minter) token(uid string) (string, error) {
	// Backdated so a clock skew between hosts does not void fresh tokens.
	now := time.Now().Add(-time.Minute)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}).SignedString(m.secret)
}

func userID(i int) string {
	return fmt.Sprintf("loadtest-%d", i)
}

// createRoom creates chatID through the admin API. An existing room is not
// an error.
func createRoom(ctx context.Context, apiURL, adminToken, chatID string) error {
	body, _ := json.Marshal(map[string]string{"id": chatID, "title": "Load test " + chatID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/admin/chats", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusBadRequest:
		return nil
	default:
		return fmt.Errorf("create room %s: status %d", chatID, resp.StatusCode)
	}
}
