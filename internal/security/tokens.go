// Package security decodes access-token claims on the client.
//
// Decoding is advisory: the signature is NOT verified, so claims are only used to
// schedule UX (auto-logout, countdowns). The backend remains the sole enforcement
// point and a decoded token is never proof of validity.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or its payload cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the access-token claims the client reads.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// ParseClaims decodes the payload of tokenString without verifying its signature.
func ParseClaims(tokenString string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Expiry returns the exp claim and true, or false when the token has none.
func (c *Claims) Expiry() (time.Time, bool) {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// Issued returns the iat claim and true, or false when the token has none.
func (c *Claims) Issued() (time.Time, bool) {
	if c == nil || c.IssuedAt == nil {
		return time.Time{}, false
	}
	return c.IssuedAt.Time, true
}
