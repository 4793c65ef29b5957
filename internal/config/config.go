// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// SecretKey is the 32-byte AES-256 key for stored credentials; nil
	// disables credential storage.
	SecretKey []byte

	// Seeds for the stored settings. Stored values take priority.
	BackendURL string
	APIVersion model.ProtocolVersion
	APIKey     string

	PollInterval        time.Duration
	Debounce            time.Duration
	AutoResetDelay      time.Duration
	HTTPTimeout         time.Duration
	Statuses            model.StatusConfig
	Location            *time.Location
	EvictStaleMagicLink bool
	SecureCookies       bool
}

// HasAPIKeySeed reports whether an API key and backend URL were supplied to
// seed the credential store.
func (c *Config) HasAPIKeySeed() bool {
	return c.APIKey != "" && c.BackendURL != ""
}

// Load reads configuration from environment variables and returns a validated
// Config. Every variable is optional:
//
//	CIVISCAN_LISTEN_ADDR (127.0.0.1:8080), CIVISCAN_DB_PATH (civiscan.db),
//	CIVISCAN_LOG_LEVEL (info), CIVISCAN_SECRET_KEY (64 hex chars),
//	CIVISCAN_BACKEND_URL, CIVISCAN_API_VERSION (4), CIVISCAN_API_KEY,
//	CIVISCAN_POLL_INTERVAL (30s), CIVISCAN_DEBOUNCE (3s),
//	CIVISCAN_AUTO_RESET (0, disabled), CIVISCAN_HTTP_TIMEOUT (30s),
//	CIVISCAN_ATTENDED_STATUS_ID (2), CIVISCAN_REGISTERED_STATUS_ID (1),
//	CIVISCAN_TIMEZONE (Local), CIVISCAN_EVICT_STALE_MAGIC_LINK (true),
//	CIVISCAN_SECURE_COOKIES (false).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("CIVISCAN_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:              envOr("CIVISCAN_DB_PATH", "civiscan.db"),
		BackendURL:          strings.TrimRight(os.Getenv("CIVISCAN_BACKEND_URL"), "/"),
		APIKey:              os.Getenv("CIVISCAN_API_KEY"),
		APIVersion:          model.ProtocolV4,
		PollInterval:        30 * time.Second,
		Debounce:            3 * time.Second,
		HTTPTimeout:         30 * time.Second,
		Statuses:            model.DefaultStatusConfig(),
		Location:            time.Local,
		EvictStaleMagicLink: true,
	}

	if v, ok := os.LookupEnv("CIVISCAN_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CIVISCAN_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	if v, ok := os.LookupEnv("CIVISCAN_SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("CIVISCAN_SECRET_KEY must be hex-encoded: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CIVISCAN_SECRET_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.SecretKey = key
	}

	if v, ok := os.LookupEnv("CIVISCAN_API_VERSION"); ok && v != "" {
		version, err := model.ParseProtocolVersion(v)
		if err != nil {
			return nil, fmt.Errorf("CIVISCAN_API_VERSION: %w", err)
		}
		cfg.APIVersion = version
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CIVISCAN_POLL_INTERVAL", &cfg.PollInterval},
		{"CIVISCAN_DEBOUNCE", &cfg.Debounce},
		{"CIVISCAN_AUTO_RESET", &cfg.AutoResetDelay},
		{"CIVISCAN_HTTP_TIMEOUT", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.key, v, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("%s must not be negative", d.key)
		}
		*d.dst = parsed
	}

	ids := []struct {
		key string
		dst *int64
	}{
		{"CIVISCAN_ATTENDED_STATUS_ID", &cfg.Statuses.Attended},
		{"CIVISCAN_REGISTERED_STATUS_ID", &cfg.Statuses.Registered},
	}
	for _, id := range ids {
		v, ok := os.LookupEnv(id.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", id.key, v)
		}
		*id.dst = parsed
	}
	if cfg.Statuses.Attended == cfg.Statuses.Registered {
		return nil, fmt.Errorf("CIVISCAN_ATTENDED_STATUS_ID and CIVISCAN_REGISTERED_STATUS_ID must differ")
	}

	if v, ok := os.LookupEnv("CIVISCAN_TIMEZONE"); ok && v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("CIVISCAN_TIMEZONE has invalid zone %q: %w", v, err)
		}
		cfg.Location = loc
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CIVISCAN_EVICT_STALE_MAGIC_LINK", &cfg.EvictStaleMagicLink},
		{"CIVISCAN_SECURE_COOKIES", &cfg.SecureCookies},
	}
	for _, b := range bools {
		v, ok := os.LookupEnv(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid boolean %q", b.key, v)
		}
		*b.dst = parsed
	}

	return cfg, nil
}

// DefaultSettings returns the settings used for keys that are not stored,
// seeded from the environment.
func (c *Config) DefaultSettings() model.Settings {
	s := model.DefaultSettings()
	s.BackendURL = c.BackendURL
	s.APIVersion = c.APIVersion
	return s
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
