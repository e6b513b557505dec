package authservice

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karn-cyber/notion/backend/internal/access"
)

func TestTokenService_RoundTrip(t *testing.T) {
	s := NewTokenService("test-secret", "notion", clockwork.NewFakeClock())
	id := access.Identity{AccountID: "42", Email: "A@x.io", Name: "Alice"}

	token, exp, err := s.SignAccessToken(id, time.Hour)
	require.NoError(t, err)
	assert.False(t, exp.IsZero())

	got, err := s.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestTokenService_Rejects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewTokenService("test-secret", "notion", clock)
	id := access.Identity{AccountID: "42"}

	refresh, _, err := s.SignRefreshToken(id, time.Hour)
	require.NoError(t, err)
	_, err = s.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	other := NewTokenService("other-secret", "notion", clock)
	forged, _, err := other.SignAccessToken(id, time.Hour)
	require.NoError(t, err)
	_, err = s.VerifyAccess(forged)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	short, _, err := s.SignAccessToken(id, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = s.VerifyAccess(short)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = s.VerifyAccess("not-a-token")
	assert.Error(t, err)
}

func TestTokenService_IssuerMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := NewTokenService("k", "a", clock)
	b := NewTokenService("k", "b", clock)
	token, _, err := a.SignAccessToken(access.Identity{Email: "x@y.z"}, time.Hour)
	require.NoError(t, err)
	_, err = b.VerifyAccess(token)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}
