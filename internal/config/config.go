package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for realm-sync.
type Config struct {
	// Sync server websocket base URL, e.g. wss://sync.example.com.
	ServerURL string `env:"REALM_SERVER_URL"`

	// Auth service base URL used to refresh access tokens.
	AuthURL string `env:"REALM_AUTH_URL"`

	// Credentials of the syncing user.
	UserIdentity string `env:"REALM_USER_IDENTITY"`
	AccessToken  string `env:"REALM_ACCESS_TOKEN"`
	RefreshToken string `env:"REALM_REFRESH_TOKEN"`

	// Local database file to keep in sync.
	RealmPath string `env:"REALM_PATH"`

	// Server-side partition the file binds to.
	PartitionValue string `env:"REALM_PARTITION"`

	// Directory for the metadata store and pre-deletion backup copies.
	// Defaults to ~/.realm-sync/ after Load.
	DataDir string `env:"REALM_DATA_DIR"`

	// Keepalive tuning for the sync connection.
	PingInterval time.Duration `env:"SYNC_PING_INTERVAL" envDefault:"60s"`
	PongTimeout  time.Duration `env:"SYNC_PONG_TIMEOUT" envDefault:"120s"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level when set.
	LogLevel string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "realm-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve paths to absolute form at startup so the metadata store
	// keys file actions consistently regardless of the working
	// directory.
	for _, p := range []*string{&cfg.RealmPath, &cfg.DataDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("REALM_SERVER_URL is required")
	}

	if c.AuthURL == "" {
		return fmt.Errorf("REALM_AUTH_URL is required")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("REALM_ACCESS_TOKEN is required")
	}

	if c.RealmPath == "" {
		return fmt.Errorf("REALM_PATH is required")
	}

	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("SYNC_PING_INTERVAL and SYNC_PONG_TIMEOUT must be positive")
	}

	return nil
}

// defaultDataDir returns ~/.realm-sync/.
func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".realm-sync"), nil
}

// MetadataDBPath returns the path of the persistent metadata store.
func (c *Config) MetadataDBPath() string {
	return filepath.Join(c.DataDir, "metadata", "sync_metadata.db")
}

// RecoveryDir returns the directory for pre-deletion backup copies.
func (c *Config) RecoveryDir() string {
	return filepath.Join(c.DataDir, "recovered-realms")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
