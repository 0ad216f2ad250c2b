package sync

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expiredJWT(t *testing.T) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)

	return signed
}

func TestUser_AccessTokenRefreshRequired(t *testing.T) {
	u := NewUser("user-1", expiredJWT(t), "refresh-token", nil)
	assert.True(t, u.AccessTokenRefreshRequired())

	// Opaque tokens carry no expiry and are never refreshed eagerly.
	u.UpdateAccessToken("opaque-token")
	assert.False(t, u.AccessTokenRefreshRequired())
}

func TestUser_RefreshTokenExpired(t *testing.T) {
	assert.True(t, NewUser("u", "", expiredJWT(t), nil).RefreshTokenExpired())
	assert.False(t, NewUser("u", "", "opaque-token", nil).RefreshTokenExpired())
	assert.False(t, NewUser("u", "", "", nil).RefreshTokenExpired())
}

func TestUser_RefreshCustomData_WithoutRefresher(t *testing.T) {
	u := NewUser("user-1", "token", "refresh", nil)

	var got *RefreshError

	u.RefreshCustomData(func(err *RefreshError) { got = err })

	require.NotNil(t, got)
	assert.ErrorIs(t, got.Err, errNoRefresher)
	assert.Zero(t, got.HTTPStatus)
}

func TestUser_Invalidate(t *testing.T) {
	u := NewUser("user-1", "access", "refresh", nil)
	require.True(t, u.IsLoggedIn())

	u.Invalidate()

	assert.False(t, u.IsLoggedIn())
	assert.Empty(t, u.AccessToken())
	assert.False(t, u.RefreshTokenExpired())
}
