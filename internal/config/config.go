// Package config provides JSON configuration loading, defaulting, and
// write-back for the CyberSentinel endpoint agent. The config file is the
// durable home of the agent's identity: agent_id is generated exactly once on
// first run and persisted so re-enrollment after restart is idempotent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Environment variables consumed by the agent. No other env is read.
const (
	// EnvServerURL overrides server_url from the config file.
	EnvServerURL = "CYBERSENTINEL_SERVER_URL"
	// EnvLogDir overrides the directory the rotated agent log is written to.
	EnvLogDir = "CYBERSENTINEL_LOG_DIR"
)

// Defaults applied to absent fields.
const (
	DefaultServerURL          = "http://localhost:55000/api/v1"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultPolicySyncInterval = 60 * time.Second
	DefaultMaxFileSizeMB      = 10
)

// Config is the endpoint agent's local configuration. Unknown JSON fields
// are ignored so older and newer agent builds can share a config file.
type Config struct {
	// ServerURL is the manager base URL including the /api/v1 prefix.
	ServerURL string `json:"server_url"`

	// AgentID is the stable identity of this endpoint. Generated on first
	// load when absent and written back to the config file.
	AgentID string `json:"agent_id"`

	// AgentName is the display name reported at enrollment. Defaults to the
	// hostname.
	AgentName string `json:"agent_name"`

	// HeartbeatInterval is the seconds between heartbeats. Defaults to 30.
	HeartbeatInterval int `json:"heartbeat_interval"`

	// PolicySyncInterval is the seconds between policy bundle syncs.
	// Defaults to 60.
	PolicySyncInterval int `json:"policy_sync_interval"`

	// QuarantineDir is the fallback quarantine directory used when a
	// matched policy does not name one.
	QuarantineDir string `json:"quarantine_dir,omitempty"`

	// MaxFileSizeMB caps how many megabytes of a file are read for
	// classification and original-content caching. Defaults to 10.
	MaxFileSizeMB int `json:"max_file_size_mb,omitempty"`

	// LogDir is where the rotated agent log is written. Defaults to the
	// directory of the config file; EnvLogDir overrides both.
	LogDir string `json:"log_dir,omitempty"`

	// path is where the config was loaded from, for write-back.
	path string
}

// Load reads the JSON config at path, applies environment overrides and
// defaults, and generates the agent identity when absent. A missing file is
// not an error: a fresh default config is created and persisted at path.
//
// Load writes the config back whenever defaulting changed it (in particular
// on first run, to pin the generated agent_id). A write-back failure is
// reported but does not fail the load; the agent can run with an ephemeral
// identity for this process lifetime.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
		cfg.path = path
	case errors.Is(err, os.ErrNotExist):
		// fresh install; defaults below
	default:
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	changed := applyDefaults(cfg)

	// Snapshot before env overrides so Save never persists env-derived
	// values.
	persist := *cfg
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	if changed {
		if err := persist.Save(); err != nil {
			return cfg, fmt.Errorf("config: write-back to %q: %w", path, err)
		}
	}
	return cfg, nil
}

// Save persists the config to the path it was loaded from, creating parent
// directories as needed.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config: no path to save to")
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %q: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(c.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write %q: %w", c.path, err)
	}
	return nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// PolicySync returns the policy sync interval as a duration.
func (c *Config) PolicySync() time.Duration {
	return time.Duration(c.PolicySyncInterval) * time.Second
}

// MaxFileBytes returns the classification read cap in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// applyDefaults fills zero-value fields and reports whether anything that
// should be persisted changed.
func applyDefaults(cfg *Config) bool {
	changed := false
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
		changed = true
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
		changed = true
	}
	if cfg.AgentName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.AgentName = host
		} else {
			cfg.AgentName = "endpoint-agent"
		}
		changed = true
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = int(DefaultHeartbeatInterval / time.Second)
	}
	if cfg.PolicySyncInterval <= 0 {
		cfg.PolicySyncInterval = int(DefaultPolicySyncInterval / time.Second)
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if cfg.LogDir == "" && cfg.path != "" {
		cfg.LogDir = filepath.Dir(cfg.path)
	}
	return changed
}

// applyEnv applies the two supported environment overrides. Env values are
// not persisted by Save.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		cfg.LogDir = v
	}
}

func validate(cfg *Config) error {
	var errs []error
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q must be an absolute http(s) URL", cfg.ServerURL))
	}
	if cfg.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	return errors.Join(errs...)
}
