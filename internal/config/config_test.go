package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetenv clears keys for the duration of the test, including values a
// loaded .env file puts into the process environment.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetenv(t, "PORT", "QUOTE_TIMEOUT", "QUOTE_CACHE_TTL", "QUOTE_STALE_TTL", "INITIAL_BALANCE", "LOG_LEVEL", "LOG_FORMAT", "CORS_ORIGINS")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Oracle.QuoteTimeout)
	assert.Equal(t, 60*time.Second, cfg.Oracle.CacheTTL)
	assert.Equal(t, time.Hour, cfg.Oracle.StaleTTL)
	assert.Equal(t, "10000", cfg.Ledger.InitialBalance.String())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_MissingSecret(t *testing.T) {
	unsetenv(t, "JWT_SECRET")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	unsetenv(t, "JWT_SECRET", "QUOTE_TIMEOUT", "INITIAL_BALANCE", "LOG_LEVEL")
	t.Setenv("LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nQUOTE_TIMEOUT=2s\nINITIAL_BALANCE=2500.50\nLOG_LEVEL=error\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Second, cfg.Oracle.QuoteTimeout)
	assert.Equal(t, "2500.5", cfg.Ledger.InitialBalance.String())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel(), "environment wins over the file")
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var cfg Config
		cfg.Server.Port = "8080"
		cfg.Auth.JWTSecret = "s"
		cfg.Oracle.QuoteTimeout = time.Second
		cfg.Oracle.CacheTTL = time.Minute
		cfg.Oracle.StaleTTL = time.Hour
		cfg.Log.Level = "info"
		cfg.Log.Format = "json"
		return &cfg
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port not a number", func(c *Config) { c.Server.Port = "http" }},
		{"port out of range", func(c *Config) { c.Server.Port = "70000" }},
		{"blank secret", func(c *Config) { c.Auth.JWTSecret = "  " }},
		{"negative retries", func(c *Config) { c.Oracle.Retries = -1 }},
		{"zero quote timeout", func(c *Config) { c.Oracle.QuoteTimeout = 0 }},
		{"stale shorter than fresh", func(c *Config) { c.Oracle.StaleTTL = time.Second }},
		{"negative balance", func(c *Config) { c.Ledger.InitialBalance = decimal.NewFromInt(-1) }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
