// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; fans config changes out to every replica

	// Tracing
	OTLPEndpoint string

	// Scoring
	ConfigSeedPath         string // YAML seed; embedded defaults when empty
	RecomputeWorkers       int
	RecomputeQueueSize     int
	WhitelistSweepInterval time.Duration

	// HTTP
	RateLimitRPM int
	CORSOrigins  []string

	// Raw values kept for Validate
	rawSweepInterval string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultRecomputeWorkers       = 4
	DefaultRecomputeQueueSize     = 10000
	DefaultWhitelistSweepInterval = time.Minute
	DefaultRateLimitRPM           = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ConfigSeedPath:     os.Getenv("CONFIG_SEED_PATH"),
		RecomputeWorkers:   int(getEnvInt64("RECOMPUTE_WORKERS", DefaultRecomputeWorkers)),
		RecomputeQueueSize: int(getEnvInt64("RECOMPUTE_QUEUE_SIZE", DefaultRecomputeQueueSize)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        splitList(os.Getenv("CORS_ORIGINS")),
		rawSweepInterval:   os.Getenv("WHITELIST_SWEEP_INTERVAL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable and resolves derived
// values.
func (c *Config) Validate() error {
	if c.RecomputeWorkers < 1 {
		return fmt.Errorf("RECOMPUTE_WORKERS must be positive, got %d", c.RecomputeWorkers)
	}
	if c.RecomputeQueueSize < 1 {
		return fmt.Errorf("RECOMPUTE_QUEUE_SIZE must be positive, got %d", c.RecomputeQueueSize)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative, got %d", c.RateLimitRPM)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	if c.rawSweepInterval != "" {
		d, err := time.ParseDuration(c.rawSweepInterval)
		if err != nil {
			return fmt.Errorf("WHITELIST_SWEEP_INTERVAL: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("WHITELIST_SWEEP_INTERVAL must be positive, got %s", d)
		}
		c.WhitelistSweepInterval = d
	}
	if c.WhitelistSweepInterval == 0 {
		c.WhitelistSweepInterval = DefaultWhitelistSweepInterval
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether persistent storage is configured.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
