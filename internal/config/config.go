// Package config loads and validates duet's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-duet/internal/otel"
)

// Role labels form a closed set. Anything else in config is rejected at load
// time so a typo cannot silently fall through to a default worker.
const (
	RoleInteractive = "interactive"
	RoleTask        = "task"
)

// RoleBinding maps a logical role to a concrete model and its footprint.
type RoleBinding struct {
	Role           string `yaml:"role"`
	Model          string `yaml:"model"`
	MemoryMB       int    `yaml:"memory_mb"`
	AlwaysResident bool   `yaml:"always_resident"`
}

// RuntimeConfig points at the local model runtime's HTTP API.
type RuntimeConfig struct {
	BaseURL string `yaml:"base_url"`

	// LoadTimeoutSeconds bounds a single model load + residency verification.
	LoadTimeoutSeconds int `yaml:"load_timeout_seconds"`
}

// PoolConfig holds model pool limits.
type PoolConfig struct {
	// MemoryBudgetMB caps the combined footprint of resident workers.
	MemoryBudgetMB int `yaml:"memory_budget_mb"`
}

// DispatchConfig holds coordinator dispatch policy.
type DispatchConfig struct {
	// TimeoutSeconds is the hard per-task execution timeout. Default 300.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ConnectAttempts bounds retries when the peer cannot be reached. Default 3.
	ConnectAttempts int `yaml:"connect_attempts"`

	// ConnectDelaySeconds is the fixed delay between connect attempts. Default 5.
	ConnectDelaySeconds int `yaml:"connect_delay_seconds"`

	// CheckpointIntervalSeconds is the minimum spacing between checkpoints
	// for one task. Default 10.
	CheckpointIntervalSeconds int `yaml:"checkpoint_interval_seconds"`

	// MaxTaskTextLen rejects oversized submissions. Default 8192.
	MaxTaskTextLen int `yaml:"max_task_text_len"`
}

// RemoteConfig names the execution peer. Empty PeerAddr means tasks are
// executed locally against the pool.
type RemoteConfig struct {
	PeerAddr string `yaml:"peer_addr"`
}

// ResidencyConfig controls the background residency validator.
type ResidencyConfig struct {
	// Schedule is a standard 5-field cron expression. Default: every minute.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Runtime   RuntimeConfig   `yaml:"runtime"`
	Pool      PoolConfig      `yaml:"pool"`
	Roles     []RoleBinding   `yaml:"roles"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Remote    RemoteConfig    `yaml:"remote"`
	Residency ResidencyConfig `yaml:"residency"`
	Otel      otel.Config     `yaml:"otel"`
}

// DefaultHomeDir returns DUET_HOME or ~/.duet.
func DefaultHomeDir() string {
	if v := os.Getenv("DUET_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".duet"
	}
	return filepath.Join(home, ".duet")
}

// Load reads config.yaml from homeDir, applies defaults, and validates.
// A missing file yields the default config.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:18790"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Runtime.BaseURL == "" {
		c.Runtime.BaseURL = "http://127.0.0.1:11434"
	}
	if c.Runtime.LoadTimeoutSeconds <= 0 {
		c.Runtime.LoadTimeoutSeconds = 30
	}
	if c.Pool.MemoryBudgetMB <= 0 {
		c.Pool.MemoryBudgetMB = 16384
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		c.Dispatch.TimeoutSeconds = 300
	}
	if c.Dispatch.ConnectAttempts <= 0 {
		c.Dispatch.ConnectAttempts = 3
	}
	if c.Dispatch.ConnectDelaySeconds <= 0 {
		c.Dispatch.ConnectDelaySeconds = 5
	}
	if c.Dispatch.CheckpointIntervalSeconds <= 0 {
		c.Dispatch.CheckpointIntervalSeconds = 10
	}
	if c.Dispatch.MaxTaskTextLen <= 0 {
		c.Dispatch.MaxTaskTextLen = 8192
	}
	if c.Residency.Schedule == "" {
		c.Residency.Schedule = "* * * * *"
	}
	if len(c.Roles) == 0 {
		c.Roles = []RoleBinding{
			{Role: RoleInteractive, Model: "qwen2.5:1.5b", MemoryMB: 1536, AlwaysResident: true},
			{Role: RoleTask, Model: "qwen2.5-coder:14b", MemoryMB: 9216, AlwaysResident: false},
		}
	}
}

// Validate enforces the closed role set and residency configuration rules.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Roles))
	for _, rb := range c.Roles {
		switch rb.Role {
		case RoleInteractive, RoleTask:
		default:
			return fmt.Errorf("config: unknown role %q (valid: %q, %q)", rb.Role, RoleInteractive, RoleTask)
		}
		if seen[rb.Role] {
			return fmt.Errorf("config: role %q bound more than once", rb.Role)
		}
		seen[rb.Role] = true
		if rb.Model == "" {
			return fmt.Errorf("config: role %q has no model", rb.Role)
		}
		if rb.MemoryMB <= 0 {
			return fmt.Errorf("config: role %q needs a positive memory_mb estimate", rb.Role)
		}
		if rb.Role == RoleInteractive && !rb.AlwaysResident {
			return fmt.Errorf("config: role %q must be always_resident", RoleInteractive)
		}
		if rb.AlwaysResident && rb.MemoryMB > c.Pool.MemoryBudgetMB {
			return fmt.Errorf("config: always-resident role %q footprint %dMB exceeds pool budget %dMB",
				rb.Role, rb.MemoryMB, c.Pool.MemoryBudgetMB)
		}
	}
	if !seen[RoleInteractive] {
		return fmt.Errorf("config: role %q must be bound", RoleInteractive)
	}
	if !seen[RoleTask] {
		return fmt.Errorf("config: role %q must be bound", RoleTask)
	}
	return nil
}

// Binding returns the binding for a role, or false if unbound.
func (c *Config) Binding(role string) (RoleBinding, bool) {
	for _, rb := range c.Roles {
		if rb.Role == role {
			return rb, true
		}
	}
	return RoleBinding{}, false
}

// DispatchTimeout returns the execution timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSeconds) * time.Second
}

// ConnectDelay returns the fixed delay between connect attempts.
func (c *Config) ConnectDelay() time.Duration {
	return time.Duration(c.Dispatch.ConnectDelaySeconds) * time.Second
}

// CheckpointInterval returns the minimum spacing between checkpoints.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Dispatch.CheckpointIntervalSeconds) * time.Second
}

// LoadTimeout returns the per-load residency verification timeout.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Runtime.LoadTimeoutSeconds) * time.Second
}

// Save writes the config back to homeDir/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
