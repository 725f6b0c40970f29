// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server struct {
		Port            string        `envconfig:"PORT" default:"8080"`
		CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
		ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	}

	// Empty URLs select the in-memory store and an uncached price feed.
	Database struct {
		URL string `envconfig:"DATABASE_URL"`
	}
	Redis struct {
		URL string `envconfig:"REDIS_URL"`
	}

	Auth struct {
		JWTSecret     string        `envconfig:"JWT_SECRET" required:"true"`
		InternalToken string        `envconfig:"INTERNAL_TOKEN"`
		DevTokenTTL   time.Duration `envconfig:"DEV_TOKEN_TTL" default:"24h"`
	}

	Oracle struct {
		BaseURL      string        `envconfig:"COINGECKO_BASE_URL" default:"https://api.coingecko.com/api/v3"`
		APIKey       string        `envconfig:"COINGECKO_API_KEY"`
		Retries      int           `envconfig:"COINGECKO_RETRIES" default:"2"`
		QuoteTimeout time.Duration `envconfig:"QUOTE_TIMEOUT" default:"5s"`
		CacheTTL     time.Duration `envconfig:"QUOTE_CACHE_TTL" default:"60s"`
		StaleTTL     time.Duration `envconfig:"QUOTE_STALE_TTL" default:"1h"`
	}

	Ledger struct {
		InitialBalance decimal.Decimal `envconfig:"INITIAL_BALANCE" default:"10000"`
	}

	Log struct {
		Level  string `envconfig:"LOG_LEVEL" default:"info"`
		Format string `envconfig:"LOG_FORMAT" default:"json"`
	}
}

// Validate checks values envconfig cannot.
func Validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET must not be blank")
	}
	if cfg.Oracle.Retries < 0 {
		return errors.New("COINGECKO_RETRIES must not be negative")
	}
	if cfg.Oracle.QuoteTimeout <= 0 {
		return errors.New("QUOTE_TIMEOUT must be positive")
	}
	if cfg.Oracle.CacheTTL <= 0 {
		return errors.New("QUOTE_CACHE_TTL must be positive")
	}
	if cfg.Oracle.StaleTTL < cfg.Oracle.CacheTTL {
		return errors.New("QUOTE_STALE_TTL must not be shorter than QUOTE_CACHE_TTL")
	}
	if cfg.Ledger.InitialBalance.IsNegative() {
		return errors.New("INITIAL_BALANCE must not be negative")
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// Load reads the given .env files (default ".env", which may be absent) and
// then the environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", s)
	}
	return level, nil
}
