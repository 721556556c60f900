// Package auth supplies bearer tokens for broker sessions. The authorization-code
// exchange happens elsewhere; this package only holds and refreshes tokens.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token a bearer access token and its expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ValidAt reports whether the token is usable at now with skew to spare.
// A zero ExpiresAt means the expiry is unknown and the token is trusted.
func (t *Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// TokenProvider returns a currently valid token, refreshing if needed.
// A nil token with a nil error means no valid token can be obtained.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (*Token, error)
}

// ExpiryFromJWT reads the exp claim without verifying the signature; the broker verifies it.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// StaticProvider serves a fixed token until it expires.
type StaticProvider struct {
	token Token
	skew  time.Duration
	now   func() time.Time
}

// NewStaticProvider wraps raw; the expiry is taken from the JWT when present.
func NewStaticProvider(raw string, skew time.Duration) *StaticProvider {
	tok := Token{AccessToken: raw}
	if exp, ok := ExpiryFromJWT(raw); ok {
		tok.ExpiresAt = exp
	}
	return &StaticProvider{token: tok, skew: skew, now: time.Now}
}

func (p *StaticProvider) GetValidToken(ctx context.Context) (*Token, error) {
	if !p.token.ValidAt(p.now(), p.skew) {
		return nil, nil
	}
	tok := p.token
	return &tok, nil
}
