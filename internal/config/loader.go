package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGERD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGERD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "LEDGERD_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "LEDGERD_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "LEDGERD_SIGNER_KEY_PASSWORD")
	setStr(&cfg.Signer.Source, "LEDGERD_SIGNER_SOURCE")

	// ── Hyperliquid ──
	setBool(&cfg.Hyperliquid.Enabled, "LEDGERD_HYPERLIQUID_ENABLED")
	setStr(&cfg.Hyperliquid.BaseURL, "LEDGERD_HYPERLIQUID_BASE_URL")
	setStr(&cfg.Hyperliquid.WSURL, "LEDGERD_HYPERLIQUID_WS_URL")

	// ── Coinbase ──
	setBool(&cfg.Coinbase.Enabled, "LEDGERD_COINBASE_ENABLED")
	setStr(&cfg.Coinbase.BaseURL, "LEDGERD_COINBASE_BASE_URL")
	setStr(&cfg.Coinbase.APIKey, "LEDGERD_COINBASE_API_KEY")
	setStr(&cfg.Coinbase.APISecret, "LEDGERD_COINBASE_API_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEDGERD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LEDGERD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEDGERD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEDGERD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEDGERD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEDGERD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEDGERD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEDGERD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEDGERD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEDGERD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEDGERD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGERD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGERD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEDGERD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEDGERD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEDGERD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "LEDGERD_REDIS_PRICE_TTL")
	setInt(&cfg.Redis.StreamMaxLen, "LEDGERD_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEDGERD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGERD_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGERD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEDGERD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGERD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEDGERD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEDGERD_S3_FORCE_PATH_STYLE")

	// ── Retention ──
	setBool(&cfg.Retention.Enabled, "LEDGERD_RETENTION_ENABLED")
	setInt(&cfg.Retention.RetentionDays, "LEDGERD_RETENTION_RETENTION_DAYS")
	setDuration(&cfg.Retention.CheckInterval, "LEDGERD_RETENTION_CHECK_INTERVAL")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "LEDGERD_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.VenueTimeout, "LEDGERD_RECONCILE_VENUE_TIMEOUT")
	setInt(&cfg.Reconcile.DriftHistoryMax, "LEDGERD_RECONCILE_DRIFT_HISTORY_MAX")

	// ── Allocation ──
	setFloat64(&cfg.Allocation.Tolerance, "LEDGERD_ALLOCATION_TOLERANCE")
	setStr(&cfg.Allocation.DefaultVenue, "LEDGERD_ALLOCATION_DEFAULT_VENUE")
	setDuration(&cfg.Allocation.CheckInterval, "LEDGERD_ALLOCATION_CHECK_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEDGERD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEDGERD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGERD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEDGERD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LEDGERD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LEDGERD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEDGERD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEDGERD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEDGERD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEDGERD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "LEDGERD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
