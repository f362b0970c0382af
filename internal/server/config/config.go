// Package config loads the manager's YAML configuration. Unlike the endpoint
// agent config (JSON, self-healing), the manager config is operator-managed:
// missing file is an error, unknown keys are rejected, and nothing is written
// back.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields after decode.
const (
	DefaultListenAddr     = ":55000"
	DefaultLivenessWindow = 5 * time.Minute
	DefaultBatchSize      = 100
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultHighWater      = 1000
)

// Environment overrides, applied after file decode. They let deployments
// inject the database DSN without writing it to disk.
const (
	EnvDatabaseURL = "CYBERSENTINEL_DATABASE_URL"
	EnvListenAddr  = "CYBERSENTINEL_LISTEN_ADDR"
)

// Ingest tunes the batched event write path.
type Ingest struct {
	// BatchSize is the buffered row count that triggers a synchronous flush.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is how often buffered rows are flushed regardless of
	// batch size.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// HighWater is the buffered row count above which ingestion answers 503
	// with Retry-After instead of accepting more.
	HighWater int `yaml:"high_water"`
}

// Config is the manager configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the PostgreSQL DSN. Required.
	DatabaseURL string `yaml:"database_url"`

	// JWTPublicKeyPath points at a PEM-encoded RSA public key. When set, all
	// API routes except health and metrics require a valid RS256 bearer
	// token.
	JWTPublicKeyPath string `yaml:"jwt_public_key"`

	// LivenessWindow is how recently an agent must have heartbeated to be
	// reported active.
	LivenessWindow time.Duration `yaml:"liveness_window"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir receives the rotated server log. Empty logs to stderr only.
	LogDir string `yaml:"log_dir"`

	Ingest Ingest `yaml:"ingest"`
}

// Load reads, decodes, and validates the config file at path, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = DefaultBatchSize
	}
	if c.Ingest.FlushInterval <= 0 {
		c.Ingest.FlushInterval = DefaultFlushInterval
	}
	if c.Ingest.HighWater <= 0 {
		c.Ingest.HighWater = DefaultHighWater
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("database_url is required (or set %s)", EnvDatabaseURL))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}
