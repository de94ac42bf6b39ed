package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrPartialPair is returned by Set when only one of the two tokens is present.
var ErrPartialPair = errors.New("credential pair must contain both access and refresh token")

// Pair is the access/refresh credential pair issued by login and refresh.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether neither token is set.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Validate checks the both-or-none invariant for a pair that is about to be stored.
func (p Pair) Validate() error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return ErrPartialPair
	}
	return nil
}

// AccessExpiry returns the exp claim of the access token when it is a JWT.
// The signature is not verified; the value is informational only.
func (p Pair) AccessExpiry() (time.Time, bool) {
	if p.AccessToken == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Store reads and writes the credential pair.
//
// Implementations must be safe for concurrent use and must never expose a
// partially written pair.
type Store interface {
	// Get returns the stored pair. ok is false when no credentials are stored.
	Get(ctx context.Context) (pair Pair, ok bool, err error)

	// Set replaces the stored pair. Partial pairs are rejected with ErrPartialPair.
	Set(ctx context.Context, pair Pair) error

	// Clear removes the stored pair. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
