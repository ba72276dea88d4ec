package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers selectable through STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	// Environment
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Persistence
	StoreDriver    string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/matchmaker?sslmode=disable"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`

	// Redis (optional: notifications fall back to the local hub and rate limiting is disabled)
	RedisURL string `env:"REDIS_URL"`

	// Server
	Port        string `env:"APP_PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	// Matchmaking
	OpenSessionScanLimit int `env:"OPEN_SESSION_SCAN_LIMIT" envDefault:"10"`
	QueueCandidateWindow int `env:"QUEUE_CANDIDATE_WINDOW" envDefault:"10"`
	MatchRetryLimit      int `env:"MATCH_RETRY_LIMIT" envDefault:"3"`
	QueueStaleMinutes    int `env:"QUEUE_STALE_MINUTES" envDefault:"30"`
	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	JoinRateLimitSeconds int `env:"JOIN_RATE_LIMIT_SECONDS" envDefault:"1"`

	// Security
	JWTSecret string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
}

// Load reads .env (if present) and parses the environment into a Config.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	if c.IsProduction() && c.FrontendURL == "" {
		return fmt.Errorf("FRONTEND_URL is required in production")
	}
	if c.OpenSessionScanLimit <= 0 {
		return fmt.Errorf("OPEN_SESSION_SCAN_LIMIT must be positive")
	}
	if c.QueueCandidateWindow <= 0 {
		return fmt.Errorf("QUEUE_CANDIDATE_WINDOW must be positive")
	}
	if c.MatchRetryLimit <= 0 {
		return fmt.Errorf("MATCH_RETRY_LIMIT must be positive")
	}
	if c.QueueStaleMinutes <= 0 {
		return fmt.Errorf("QUEUE_STALE_MINUTES must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.JoinRateLimitSeconds < 0 {
		return fmt.Errorf("JOIN_RATE_LIMIT_SECONDS must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// QueueStaleAfter is the age after which an active queue entry is reclaimed by the sweep.
func (c *Config) QueueStaleAfter() time.Duration {
	return time.Duration(c.QueueStaleMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) JoinRateLimit() time.Duration {
	return time.Duration(c.JoinRateLimitSeconds) * time.Second
}
