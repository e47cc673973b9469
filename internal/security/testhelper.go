package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// testSigningKey signs tokens minted by NewTestToken. For unit tests only.
var testSigningKey = []byte("naivepay-test-signing-key")

// NewTestToken returns an HS256 access token expiring at expiresAt with the given role.
// For unit tests only; the client never mints tokens.
func NewTestToken(expiresAt time.Time, role string) string {
	now := expiresAt.Add(-15 * time.Minute)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		panic(err)
	}
	return s
}

// NewTestTokenWithoutExpiry returns a signed token that carries no exp claim. For unit tests only.
func NewTestTokenWithoutExpiry() string {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{ID: uuid.New().String(), Subject: "user-1"}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		panic(err)
	}
	return s
}
