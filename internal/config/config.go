// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk thresholds
	FlaggedThreshold int
	BlockedThreshold int
	VelocityWindow   time.Duration

	// Alerting
	AlertWebhookURL string // security alert delivery endpoint (optional)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if unset)
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultFlaggedThreshold = 30
	DefaultBlockedThreshold = 70
	DefaultVelocityWindow   = time.Minute
)

// Default returns a configuration with every default and no external
// dependencies. Used by tests and demo mode.
func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		Env:              DefaultEnv,
		LogLevel:         DefaultLogLevel,
		FlaggedThreshold: DefaultFlaggedThreshold,
		BlockedThreshold: DefaultBlockedThreshold,
		VelocityWindow:   DefaultVelocityWindow,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FlaggedThreshold: getEnvInt("FLAGGED_THRESHOLD", DefaultFlaggedThreshold),
		BlockedThreshold: getEnvInt("BLOCKED_THRESHOLD", DefaultBlockedThreshold),
		VelocityWindow:   getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.FlaggedThreshold < 0 || c.BlockedThreshold < 0 {
		return fmt.Errorf("risk thresholds must be non-negative")
	}
	if c.FlaggedThreshold >= c.BlockedThreshold {
		return fmt.Errorf("FLAGGED_THRESHOLD (%d) must be below BLOCKED_THRESHOLD (%d)",
			c.FlaggedThreshold, c.BlockedThreshold)
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
