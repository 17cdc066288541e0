// ABOUTME: Credential sourcing for role-scoped API and stream requests.
// ABOUTME: Pre-checks JWT expiry so a dead credential fails fast before dialing.

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrNoToken      = errors.New("no token available")
	ErrExpiredToken = errors.New("token expired")
)

// nowFunc is swappable in tests.
var nowFunc = time.Now

// TokenSource supplies the opaque credential attached to API calls and
// stream opens. The core never refreshes a credential itself; an external
// auth layer implements this interface and hands out fresh tokens, then
// re-invokes connect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same token on every call.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a TokenSource wrapping a fixed credential.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token returns the wrapped credential, or ErrNoToken if empty.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// CheckExpiry inspects a credential without verifying its signature. If the
// token parses as a JWT whose exp claim is already in the past, it returns
// ErrExpiredToken so callers can fail fast instead of burning a connection
// attempt on a credential the server will reject. Opaque (non-JWT) tokens
// pass through untouched — the server is the authority on those.
func CheckExpiry(token string) error {
	if token == "" {
		return ErrNoToken
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT; treat as opaque
		return nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(nowFunc()) {
		return ErrExpiredToken
	}
	return nil
}
