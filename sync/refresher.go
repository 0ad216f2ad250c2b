package sync

import (
	"context"
	"time"

	"github.com/Acidburn0zzz/realm-core/internal/auth"
)

// refreshRequestTimeout bounds one refresh round trip to the auth
// service.
const refreshRequestTimeout = 60 * time.Second

// HTTPTokenRefresher refreshes user access tokens against the auth
// service over HTTP.
type HTTPTokenRefresher struct {
	client *auth.Client
}

// NewHTTPTokenRefresher wraps an auth client as a TokenRefresher.
func NewHTTPTokenRefresher(client *auth.Client) *HTTPTokenRefresher {
	return &HTTPTokenRefresher{client: client}
}

// RefreshCustomData exchanges the user's refresh token for a fresh
// access token on a new goroutine and reports the outcome through
// completion.
func (r *HTTPTokenRefresher) RefreshCustomData(user *User, completion func(*RefreshError)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshRequestTimeout)
		defer cancel()

		token, err := r.client.RefreshAccessToken(ctx, user.refreshTokenValue())
		if err != nil {
			completion(&RefreshError{Err: err, HTTPStatus: auth.StatusCode(err)})
			return
		}

		user.UpdateAccessToken(token)
		completion(nil)
	}()
}
