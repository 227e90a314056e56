// ABOUTME: Tests for JWT issuance, verification, and bearer extraction.

package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	a := NewJWTAuthority(testSecret, time.Hour)

	token, err := a.Issue("user-123")
	require.NoError(t, err)

	userID, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTAuthority(testSecret, time.Hour)
	verifier := NewJWTAuthority([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)

	token, err := issuer.Issue("user-123")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthority(testSecret, -time.Minute)

	token, err := a.Issue("user-123")
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	a := NewJWTAuthority(testSecret, time.Hour)

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString(testSecret)
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	a := NewJWTAuthority(testSecret, time.Hour)

	raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-123"})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := NewJWTAuthority(testSecret, time.Hour)

	_, err := a.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok, "no header means no credential")

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, ok = BearerToken(r)
	assert.False(t, ok, "non-bearer schemes are ignored")

	r.Header.Set("Authorization", "Bearer ")
	_, ok = BearerToken(r)
	assert.False(t, ok, "empty bearer value is no credential")

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	token, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", token)
}
