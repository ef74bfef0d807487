package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns defaults patched to pass validation.
func validConfig() Config {
	cfg := Defaults()
	cfg.Signer.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.Coinbase.APIKey = "key"
	cfg.Coinbase.APISecret = "secret"
	return cfg
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateMissingSigner(t *testing.T) {
	cfg := validConfig()
	cfg.Signer.PrivateKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer")
}

func TestValidateAllocationTargetsMustSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.Allocation.Targets = map[string]float64{
		"hyperliquid": 0.80,
		"coinbase":    0.30,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidateVenueTimeoutVsInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Reconcile.VenueTimeout = duration{2 * time.Minute}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue_timeout")
}

func TestValidateNoVenuesEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Hyperliquid.Enabled = false
	cfg.Coinbase.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one venue")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9999

[reconcile]
interval = "30s"
venue_timeout = "5s"

[allocation.targets]
hyperliquid = 0.6
coinbase = 0.4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, 0.6, cfg.Allocation.Targets["hyperliquid"])
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEDGERD_SERVER_PORT", "7777")
	t.Setenv("LEDGERD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LEDGERD_RECONCILE_INTERVAL", "90s")
	t.Setenv("LEDGERD_SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "api-key"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Signer.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Coinbase.APISecret)
	assert.Equal(t, "***", red.Server.APIKey)
	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the redacted copy's map must not leak back.
	red.Allocation.Targets["hyperliquid"] = 0
	assert.Equal(t, 0.80, cfg.Allocation.Targets["hyperliquid"])
}
