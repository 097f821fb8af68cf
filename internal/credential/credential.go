// Package credential supplies the bearer credential and user identity the
// transport attaches to backend calls.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissing = errors.New("missing credential")
	ErrExpired = errors.New("credential expired")
)

// Credential is a bearer token plus the user it belongs to.
type Credential struct {
	Token  string
	UserID string
	// Expiry is zero when the token carries no exp claim.
	Expiry time.Time
}

// Check reports ErrMissing or ErrExpired for credentials that must not be sent.
func (c Credential) Check(now time.Time) error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissing
	}
	if !c.Expiry.IsZero() && !now.Before(c.Expiry) {
		return ErrExpired
	}
	return nil
}

// Source yields the current credential.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// Static is a fixed token, typically from COMPANION_API_TOKEN.
type Static struct {
	Token  string
	UserID string
}

func (s Static) Credential(context.Context) (Credential, error) {
	if strings.TrimSpace(s.Token) == "" {
		return Credential{}, ErrMissing
	}
	c := Credential{Token: s.Token, UserID: s.UserID}
	if exp, ok := Expiry(s.Token); ok {
		c.Expiry = exp
	}
	if c.UserID == "" {
		c.UserID = Subject(s.Token)
	}
	return c, nil
}

// Expiry reads the exp claim of a JWT without verifying its signature. The
// backend verifies; the client only avoids sending tokens it knows are dead.
func Expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subject returns the sub claim of a JWT, or "" for opaque tokens.
func Subject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Preview returns a short, log-safe prefix of a secret.
func Preview(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..."
}
