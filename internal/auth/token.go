// ABOUTME: JWT issuance and verification for authenticated users.
// ABOUTME: HS256 with a configurable secret; identity travels in the sub claim.

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Verifier validates a bearer token and yields the user it belongs to.
type Verifier interface {
	Verify(tokenString string) (userID string, err error)
}

// JWTAuthority both issues and verifies HS256 tokens.
type JWTAuthority struct {
	secret   []byte
	tokenTTL time.Duration
}

func NewJWTAuthority(secret []byte, tokenTTL time.Duration) *JWTAuthority {
	return &JWTAuthority{secret: secret, tokenTTL: tokenTTL}
}

// Verify validates the token and extracts the user ID from the "sub" claim.
func (a *JWTAuthority) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Issue creates a signed token for the given user.
func (a *JWTAuthority) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// BearerToken extracts the token from an Authorization header. The second
// return is false when no bearer credential is present, which is not an
// error: most chat endpoints serve guests too.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
