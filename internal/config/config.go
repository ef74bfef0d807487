// Package config defines the top-level configuration for the position ledger
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGERD_* environment variables.
type Config struct {
	Signer      SignerConfig      `toml:"signer"`
	Hyperliquid HyperliquidConfig `toml:"hyperliquid"`
	Coinbase    CoinbaseConfig    `toml:"coinbase"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Retention   RetentionConfig   `toml:"retention"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Allocation  AllocationConfig  `toml:"allocation"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	LogLevel    string            `toml:"log_level"`
}

// SignerConfig holds the exchange-signing key. Either the raw hex key or an
// encrypted key file plus password must be provided when Hyperliquid is
// enabled.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Source tags the signing agent; venue-specific, rarely changed.
	Source string `toml:"source"`
}

// HyperliquidConfig holds Hyperliquid API endpoints.
type HyperliquidConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// CoinbaseConfig holds Coinbase Advanced Trade API credentials.
type CoinbaseConfig struct {
	Enabled   bool   `toml:"enabled"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN takes
// precedence; the discrete fields are used to build one when it is empty.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// PriceTTL bounds how long a cached mark price is trusted.
	PriceTTL duration `toml:"price_ttl"`
	// StreamMaxLen caps the durable event streams (XADD MAXLEN).
	StreamMaxLen int `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RetentionConfig controls archival of terminal positions to object storage.
type RetentionConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	CheckInterval duration `toml:"check_interval"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	Interval        duration `toml:"interval"`
	VenueTimeout    duration `toml:"venue_timeout"`
	DriftHistoryMax int      `toml:"drift_history_max"`
}

// AllocationConfig holds capital allocation targets per venue. Targets must
// sum to 1.0.
type AllocationConfig struct {
	Targets       map[string]float64 `toml:"targets"`
	Tolerance     float64            `toml:"tolerance"`
	DefaultVenue  string             `toml:"default_venue"`
	CheckInterval duration           `toml:"check_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Signer: SignerConfig{
			Source: "a",
		},
		Hyperliquid: HyperliquidConfig{
			Enabled: true,
			BaseURL: "https://api.hyperliquid.xyz",
			WSURL:   "wss://api.hyperliquid.xyz/ws",
		},
		Coinbase: CoinbaseConfig{
			Enabled: true,
			BaseURL: "https://api.coinbase.com",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ledgerd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			PriceTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ledgerd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Retention: RetentionConfig{
			Enabled:       false,
			RetentionDays: 90,
			CheckInterval: duration{24 * time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval:        duration{60 * time.Second},
			VenueTimeout:    duration{10 * time.Second},
			DriftHistoryMax: 100,
		},
		Allocation: AllocationConfig{
			Targets: map[string]float64{
				"hyperliquid": 0.80,
				"coinbase":    0.20,
			},
			Tolerance:     0.05,
			DefaultVenue:  "hyperliquid",
			CheckInterval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"drift", "liquidation", "allocation_drift"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// allocationSumEpsilon absorbs float rounding when checking that targets
// sum to 1.0.
const allocationSumEpsilon = 1e-9

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// At least one venue must be enabled; the ledger has nothing to
	// reconcile against otherwise.
	if !c.Hyperliquid.Enabled && !c.Coinbase.Enabled {
		errs = append(errs, "at least one venue must be enabled")
	}

	// Signer — required for the Hyperliquid exchange endpoint.
	if c.Hyperliquid.Enabled {
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			errs = append(errs, "signer: either private_key or encrypted_key_path must be set when hyperliquid is enabled")
		}
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
		}
		if c.Hyperliquid.BaseURL == "" {
			errs = append(errs, "hyperliquid: base_url must not be empty")
		}
	}

	// Coinbase — both credentials must be set together.
	if c.Coinbase.Enabled {
		if c.Coinbase.APIKey == "" || c.Coinbase.APISecret == "" {
			errs = append(errs, "coinbase: api_key and api_secret are required when enabled")
		}
		if c.Coinbase.BaseURL == "" {
			errs = append(errs, "coinbase: base_url must not be empty")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when retention is on.
	if c.Retention.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when retention is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when retention is enabled")
		}
		if c.Retention.RetentionDays < 1 {
			errs = append(errs, "retention: retention_days must be >= 1")
		}
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}
	if c.Reconcile.VenueTimeout.Duration <= 0 {
		errs = append(errs, "reconcile: venue_timeout must be positive")
	}
	if c.Reconcile.VenueTimeout.Duration >= c.Reconcile.Interval.Duration {
		errs = append(errs, "reconcile: venue_timeout must be shorter than interval")
	}

	// Allocation — targets must cover known venues and sum to 1.
	if len(c.Allocation.Targets) > 0 {
		var sum float64
		for venue, target := range c.Allocation.Targets {
			if target <= 0 || target > 1 {
				errs = append(errs, fmt.Sprintf("allocation: target for %s must be in (0, 1], got %g", venue, target))
			}
			sum += target
		}
		if math.Abs(sum-1.0) > allocationSumEpsilon {
			errs = append(errs, fmt.Sprintf("allocation: targets must sum to 1.0, got %g", sum))
		}
	}
	if c.Allocation.Tolerance <= 0 || c.Allocation.Tolerance >= 1 {
		errs = append(errs, fmt.Sprintf("allocation: tolerance must be in (0, 1), got %g", c.Allocation.Tolerance))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
