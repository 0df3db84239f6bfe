// Package config loads application configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maxbigdig/bigdig/pkg/logging"
)

// Config represents the complete application configuration.
type Config struct {
	Logging   logging.Config  `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Retention RetentionConfig `yaml:"retention"`
}

// DatabaseConfig holds the SQLite file location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TelegramConfig holds API credentials. APIID and APIHash normally come
// from the environment, not the file.
type TelegramConfig struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

// RateLimitConfig holds operation spacing settings.
type RateLimitConfig struct {
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       time.Duration `yaml:"jitter"`
	OpsPerSecond float64       `yaml:"ops_per_second"`
	Burst        int           `yaml:"burst"`
}

// RuntimeConfig holds worker runtime settings.
type RuntimeConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	DrainGrace        time.Duration `yaml:"drain_grace"`
}

// RetentionConfig bounds the terminal-job history kept in memory.
type RetentionConfig struct {
	MaxTerminal int           `yaml:"max_terminal"`
	MaxAge      time.Duration `yaml:"max_age"`
	Sweep       time.Duration `yaml:"sweep"`
}

// Default returns a configuration suitable for local use.
func Default() *Config {
	return &Config{
		Logging:  logging.Config{Level: "info", Format: "console"},
		Database: DatabaseConfig{Path: "bigdig.db"},
		RateLimit: RateLimitConfig{
			MinDelay: 2 * time.Second,
			MaxDelay: 5 * time.Second,
		},
		Runtime: RuntimeConfig{
			MaxAttempts:       3,
			InitialBackoff:    250 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			DrainGrace:        10 * time.Second,
		},
		Retention: RetentionConfig{
			MaxTerminal: 1000,
			MaxAge:      24 * time.Hour,
			Sweep:       time.Minute,
		},
	}
}

// Load reads the configuration file, layering it over defaults and
// applying environment overrides. A .env file next to the process is
// picked up when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BIGDIG_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Telegram.APIID = id
		}
	}
	if v := os.Getenv("BIGDIG_API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}
	if v := os.Getenv("BIGDIG_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BIGDIG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.RateLimit.MinDelay < 0 {
		return fmt.Errorf("rate_limit min_delay must not be negative")
	}
	if c.RateLimit.MaxDelay != 0 && c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("rate_limit max_delay must be >= min_delay")
	}
	if c.Runtime.MaxAttempts < 1 {
		return fmt.Errorf("runtime max_attempts must be at least 1")
	}
	if c.Runtime.DrainGrace <= 0 {
		return fmt.Errorf("runtime drain_grace must be greater than 0")
	}
	return nil
}
