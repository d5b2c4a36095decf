// Package config loads node configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Approval modes for vote requests this node receives.
const (
	ApprovalAuto   = "auto"
	ApprovalDeny   = "deny"
	ApprovalManual = "manual"
)

// Config holds node configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
	KeyFile       string `yaml:"key_file"`
	StorageDriver string `yaml:"storage_driver"` // "sqlite" | "postgres" | "memory"
	DatabaseURL   string `yaml:"database_url"`
	GenesisFile   string `yaml:"genesis_file"`

	// RedisAddr enables the Redis transport and the distributed rate limiter.
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	ApprovalMode      string        `yaml:"approval_mode"`
	ManualApprovalTTL time.Duration `yaml:"manual_approval_ttl"`
	ApprovalTimeout   time.Duration `yaml:"approval_timeout"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	StatusHistory     int           `yaml:"status_history"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	JWTSecret      string  `yaml:"jwt_secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		LogLevel:          "INFO",
		KeyFile:           "covenant-node.key",
		StorageDriver:     "sqlite",
		DatabaseURL:       "covenant.db",
		RedisPrefix:       "covenant:",
		ApprovalMode:      ApprovalManual,
		ManualApprovalTTL: 10 * time.Minute,
		ApprovalTimeout:   30 * time.Second,
		ValidationTimeout: 30 * time.Second,
		StatusHistory:     1024,
		Environment:       "development",
		RateLimitRPS:      20,
		RateLimitBurst:    40,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// COVENANT_CONFIG (if set), then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("COVENANT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("KEY_FILE", &c.KeyFile)
	str("STORAGE_DRIVER", &c.StorageDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("GENESIS_FILE", &c.GenesisFile)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PREFIX", &c.RedisPrefix)
	str("APPROVAL_MODE", &c.ApprovalMode)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("ENVIRONMENT", &c.Environment)
	str("JWT_SECRET", &c.JWTSecret)

	for key, dst := range map[string]*time.Duration{
		"APPROVAL_TIMEOUT":    &c.ApprovalTimeout,
		"VALIDATION_TIMEOUT":  &c.ValidationTimeout,
		"MANUAL_APPROVAL_TTL": &c.ManualApprovalTTL,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*int{
		"STATUS_HISTORY":   &c.StatusHistory,
		"RATE_LIMIT_BURST": &c.RateLimitBurst,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = f
	}
	return nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	switch strings.ToLower(c.ApprovalMode) {
	case ApprovalAuto, ApprovalDeny, ApprovalManual:
		c.ApprovalMode = strings.ToLower(c.ApprovalMode)
	default:
		return fmt.Errorf("unknown approval mode %q", c.ApprovalMode)
	}
	if c.ApprovalTimeout <= 0 || c.ValidationTimeout <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if c.StatusHistory < 1 {
		return fmt.Errorf("status history must be at least 1")
	}
	return nil
}
