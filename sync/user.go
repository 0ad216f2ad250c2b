package sync

import (
	"errors"
	"sync"
	"time"

	"github.com/Acidburn0zzz/realm-core/internal/auth"
)

var errNoRefresher = errors.New("no token refresher configured")

// RefreshError is the outcome of a failed credential refresh.
type RefreshError struct {
	Err error

	// HTTPStatus is the status of the refresh response when the
	// failure was an HTTP error, zero otherwise.
	HTTPStatus int
}

func (e *RefreshError) Error() string {
	return e.Err.Error()
}

// TokenRefresher obtains a fresh access token for a user and reports
// the outcome through completion. Implementations must not block the
// caller; completion may run on any goroutine.
type TokenRefresher interface {
	RefreshCustomData(user *User, completion func(*RefreshError))
}

// User is the credential owner of one or more sessions. It tracks the
// signed access and refresh tokens and whether the user is still
// logged in.
type User struct {
	mu           sync.Mutex
	identity     string
	accessToken  string
	refreshToken string
	loggedIn     bool
	refresher    TokenRefresher
}

// NewUser creates a logged-in user with the given identity and token
// pair.
func NewUser(identity, accessToken, refreshToken string, refresher TokenRefresher) *User {
	return &User{
		identity:     identity,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		loggedIn:     true,
		refresher:    refresher,
	}
}

// Identity returns the server-assigned user identity.
func (u *User) Identity() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.identity
}

// AccessToken returns the current signed access token.
func (u *User) AccessToken() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.accessToken
}

// UpdateAccessToken stores a freshly issued access token.
func (u *User) UpdateAccessToken(token string) {
	u.mu.Lock()
	u.accessToken = token
	u.mu.Unlock()
}

// AccessTokenRefreshRequired reports whether the access token is
// expired or about to expire and must be refreshed before binding.
func (u *User) AccessTokenRefreshRequired() bool {
	u.mu.Lock()
	token := u.accessToken
	u.mu.Unlock()

	return auth.RefreshRequired(token, time.Now())
}

// RefreshTokenExpired reports whether the refresh token itself has
// expired, in which case no further refresh attempts can succeed.
func (u *User) RefreshTokenExpired() bool {
	u.mu.Lock()
	token := u.refreshToken
	u.mu.Unlock()

	if token == "" {
		return false
	}

	expiry, err := auth.TokenExpiry(token)
	if err != nil || expiry.IsZero() {
		return false
	}

	return expiry.Before(time.Now())
}

// RefreshCustomData asks the configured refresher for a fresh access
// token. completion runs on an arbitrary goroutine. Without a
// refresher, completion is invoked immediately with a failure.
func (u *User) RefreshCustomData(completion func(*RefreshError)) {
	u.mu.Lock()
	refresher := u.refresher
	u.mu.Unlock()

	if refresher == nil {
		completion(&RefreshError{Err: errNoRefresher})
		return
	}

	refresher.RefreshCustomData(u, completion)
}

// refreshTokenValue returns the raw refresh token for presentation to
// the auth service.
func (u *User) refreshTokenValue() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.refreshToken
}

// IsLoggedIn reports whether the user still holds a valid login.
func (u *User) IsLoggedIn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.loggedIn
}

// LogOut marks the user as logged out.
func (u *User) LogOut() {
	u.mu.Lock()
	u.loggedIn = false
	u.mu.Unlock()
}

// Invalidate revokes the user's credentials entirely, in response to
// the server rejecting them as unauthentic.
func (u *User) Invalidate() {
	u.mu.Lock()
	u.loggedIn = false
	u.accessToken = ""
	u.refreshToken = ""
	u.mu.Unlock()
}
