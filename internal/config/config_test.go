package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"REALM_SERVER_URL",
		"REALM_AUTH_URL",
		"REALM_USER_IDENTITY",
		"REALM_ACCESS_TOKEN",
		"REALM_REFRESH_TOKEN",
		"REALM_PATH",
		"REALM_PARTITION",
		"REALM_DATA_DIR",
		"SYNC_PING_INTERVAL",
		"SYNC_PONG_TIMEOUT",
		"DEVICE_NAME",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the minimum required env vars.
func setMinimalEnv(t *testing.T, dataDir string) {
	t.Helper()
	t.Setenv("REALM_SERVER_URL", "wss://sync.example.com")
	t.Setenv("REALM_AUTH_URL", "https://auth.example.com")
	t.Setenv("REALM_ACCESS_TOKEN", "access-token")
	t.Setenv("REALM_PATH", filepath.Join(dataDir, "default.realm"))
	t.Setenv("REALM_DATA_DIR", dataDir)
}

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setMinimalEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "https://auth.example.com", cfg.AuthURL)
	assert.Equal(t, "access-token", cfg.AccessToken)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 60*time.Second, cfg.PingInterval) // default
	assert.Equal(t, 120*time.Second, cfg.PongTimeout) // default
	assert.NotEmpty(t, cfg.DeviceName)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingServerURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	os.Unsetenv("REALM_SERVER_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALM_SERVER_URL")
}

func TestLoad_MissingAuthURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	os.Unsetenv("REALM_AUTH_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALM_AUTH_URL")
}

func TestLoad_MissingAccessToken(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	os.Unsetenv("REALM_ACCESS_TOKEN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALM_ACCESS_TOKEN")
}

func TestLoad_MissingRealmPath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	os.Unsetenv("REALM_PATH")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALM_PATH")
}

func TestLoad_KeepaliveOverrides(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	t.Setenv("SYNC_PING_INTERVAL", "30s")
	t.Setenv("SYNC_PONG_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 45*time.Second, cfg.PongTimeout)
}

func TestLoad_RelativePathsResolved(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t, t.TempDir())
	t.Setenv("REALM_PATH", "data/default.realm")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.RealmPath))
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/realm-sync"}

	assert.Equal(t, "/var/lib/realm-sync/metadata/sync_metadata.db", cfg.MetadataDBPath())
	assert.Equal(t, "/var/lib/realm-sync/recovered-realms", cfg.RecoveryDir())
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
	assert.False(t, (&Config{}).IsProduction())
}
