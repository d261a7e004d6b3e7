// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported values for XEROSYNC_DB_DRIVER and XEROSYNC_LOG_FORMAT.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// staleRunMargin is the slack StaleRunAfter keeps above the longest total
// backoff wait.
const staleRunMargin = 5 * time.Minute

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TenantID     string

	DBDriver  string
	DBDSN     string
	SecretKey []byte // nil when XEROSYNC_SECRET_KEY is unset

	ListenAddr    string
	SyncInterval  time.Duration
	SyncOnStart   bool
	TokenMargin   time.Duration
	MaxRetries    int
	BackoffMax    time.Duration
	StaleRunAfter time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// LoadEnvFile loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored. With no paths, ".env" is used.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and returns a validated Config.
// XERO_CLIENT_ID and XERO_CLIENT_SECRET are required. XEROSYNC_DB_DSN is
// required for postgres and defaults to xerosync.db for sqlite.
// Optional variables with defaults: XEROSYNC_LISTEN_ADDR (127.0.0.1:8080),
// XEROSYNC_SYNC_INTERVAL (24h), XEROSYNC_TOKEN_MARGIN (60s),
// XEROSYNC_MAX_RETRIES (5), XEROSYNC_BACKOFF_MAX (1m),
// XEROSYNC_STALE_RUN_AFTER (6h), XEROSYNC_LOG_LEVEL (info),
// XEROSYNC_LOG_FORMAT (text).
func Load() (*Config, error) {
	clientID := strings.TrimSpace(os.Getenv("XERO_CLIENT_ID"))
	if clientID == "" {
		return nil, errors.New("XERO_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("XERO_CLIENT_SECRET"))
	if clientSecret == "" {
		return nil, errors.New("XERO_CLIENT_SECRET is required")
	}

	listenAddr := stringEnv("XEROSYNC_LISTEN_ADDR", "127.0.0.1:8080")

	cfg := &Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  stringEnv("XERO_REDIRECT_URI", "http://localhost:8080/auth/callback"),
		TenantID:     strings.TrimSpace(os.Getenv("XEROSYNC_TENANT_ID")),
		DBDriver:     strings.ToLower(stringEnv("XEROSYNC_DB_DRIVER", DriverSQLite)),
		ListenAddr:   listenAddr,
		LogFormat:    strings.ToLower(stringEnv("XEROSYNC_LOG_FORMAT", LogFormatText)),
	}

	switch cfg.DBDriver {
	case DriverSQLite:
		cfg.DBDSN = stringEnv("XEROSYNC_DB_DSN", "xerosync.db")
	case DriverPostgres:
		cfg.DBDSN = os.Getenv("XEROSYNC_DB_DSN")
		if cfg.DBDSN == "" {
			return nil, errors.New("XEROSYNC_DB_DSN is required when XEROSYNC_DB_DRIVER is postgres")
		}
	default:
		return nil, fmt.Errorf("XEROSYNC_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.DBDriver)
	}

	if cfg.LogFormat != LogFormatText && cfg.LogFormat != LogFormatJSON {
		return nil, fmt.Errorf("XEROSYNC_LOG_FORMAT must be %q or %q, got %q", LogFormatText, LogFormatJSON, cfg.LogFormat)
	}

	if v, ok := os.LookupEnv("XEROSYNC_LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("XEROSYNC_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	var err error
	if cfg.SyncInterval, err = durationEnv("XEROSYNC_SYNC_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TokenMargin, err = durationEnv("XEROSYNC_TOKEN_MARGIN", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = durationEnv("XEROSYNC_BACKOFF_MAX", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StaleRunAfter, err = durationEnv("XEROSYNC_STALE_RUN_AFTER", 6*time.Hour); err != nil {
		return nil, err
	}

	cfg.MaxRetries = 5
	if v, ok := os.LookupEnv("XEROSYNC_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("XEROSYNC_MAX_RETRIES must be a positive integer, got %q", v)
		}
		cfg.MaxRetries = n
	}

	// A running row must outlive every backoff wait of a live run.
	if floor := cfg.BackoffMax*time.Duration(cfg.MaxRetries) + staleRunMargin; cfg.StaleRunAfter <= floor {
		return nil, fmt.Errorf("XEROSYNC_STALE_RUN_AFTER must exceed XEROSYNC_BACKOFF_MAX * XEROSYNC_MAX_RETRIES + %s (%s), got %s",
			staleRunMargin, floor, cfg.StaleRunAfter)
	}

	if v, ok := os.LookupEnv("XEROSYNC_SYNC_ON_START"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("XEROSYNC_SYNC_ON_START has invalid boolean %q: %w", v, err)
		}
		cfg.SyncOnStart = b
	}

	if v, ok := os.LookupEnv("XEROSYNC_SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("XEROSYNC_SECRET_KEY must be hex-encoded: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("XEROSYNC_SECRET_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.SecretKey = key
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
