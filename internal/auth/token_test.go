// ABOUTME: Tests for token sourcing and JWT expiry pre-checks.
// ABOUTME: Covers static sources, expired/valid JWTs, and opaque token passthrough.

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "participant-42",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestStaticTokenSource(t *testing.T) {
	src := NewStaticTokenSource("my-token")

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "my-token", tok)
}

func TestStaticTokenSource_Empty(t *testing.T) {
	src := NewStaticTokenSource("")

	_, err := src.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestCheckExpiry_ValidJWT(t *testing.T) {
	assert.NoError(t, CheckExpiry(signedToken(t, time.Hour)))
}

func TestCheckExpiry_ExpiredJWT(t *testing.T) {
	assert.ErrorIs(t, CheckExpiry(signedToken(t, -time.Hour)), ErrExpiredToken)
}

func TestCheckExpiry_OpaqueToken(t *testing.T) {
	// Non-JWT credentials are passed through; the server decides
	assert.NoError(t, CheckExpiry("opaque-session-token-abc123"))
}

func TestCheckExpiry_Empty(t *testing.T) {
	assert.ErrorIs(t, CheckExpiry(""), ErrNoToken)
}

func TestCheckExpiry_JWTWithoutExp(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	assert.NoError(t, CheckExpiry(signed))
}
