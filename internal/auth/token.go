// Package auth inspects signed access tokens and refreshes them
// against the auth service. Tokens are JWTs issued and signed by the
// server; the client never verifies signatures, it only reads the
// expiry claim to decide when a refresh is due.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshMargin is subtracted from the expiry claim so a token is
// refreshed slightly before it actually lapses, covering clock skew
// and request latency.
const refreshMargin = 10 * time.Second

// TokenExpiry returns the expiration time encoded in a signed token.
// The signature is not verified. A token without an exp claim returns
// the zero time and no error.
func TokenExpiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}

	if expiry == nil {
		return time.Time{}, nil
	}

	return expiry.Time, nil
}

// RefreshRequired reports whether a signed access token must be
// refreshed before it can be presented to the sync server. A missing
// token always requires a refresh; an opaque token that does not parse
// as a JWT never does, since its validity cannot be judged locally.
func RefreshRequired(token string, now time.Time) bool {
	if token == "" {
		return true
	}

	expiry, err := TokenExpiry(token)
	if err != nil || expiry.IsZero() {
		return false
	}

	return expiry.Before(now.Add(refreshMargin))
}
