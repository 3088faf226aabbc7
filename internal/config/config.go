// Package config handles agent configuration from a YAML file and
// environment variables. Environment values override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	HubURL string `yaml:"hub_url"` // WebSocket URL (ws:// or wss://)
	Token  string `yaml:"token"`   // agent authentication token

	// Identity
	Hostname string `yaml:"hostname"`  // override, defaults to os.Hostname
	StateDir string `yaml:"state_dir"` // node id file and offline spool live here

	// Behavior
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	TopProcessCount   int             `yaml:"top_process_count"`
	DiskMount         string          `yaml:"disk_mount"` // filesystem to sample
	NetInterface      string          `yaml:"net_interface"`
	PingTarget        string          `yaml:"ping_target"`
	UpdateCommand     string          `yaml:"update_command"` // run by system.update
	Capabilities      map[string]bool `yaml:"capabilities"`

	// Offline spool
	SpoolMaxSamples int `yaml:"spool_max_samples"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Hostname:          hostname,
		StateDir:          "/var/lib/manlab-agent",
		HeartbeatInterval: 30 * time.Second,
		TopProcessCount:   5,
		DiskMount:         "/",
		SpoolMaxSamples:   10000,
		LogLevel:          "info",
		Capabilities: map[string]bool{
			"docker":   true,
			"system":   true,
			"shell":    true,
			"services": true,
			"smart":    true,
			"scripts":  true,
			"logs":     true,
			"terminal": true,
			"files":    true,
			"nettools": true,
		},
	}
}

// Load reads the config file at path (if non-empty and present), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MANLAB_AGENT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MANLAB_URL"); v != "" {
		c.HubURL = v
	}
	if v := os.Getenv("MANLAB_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("MANLAB_HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("MANLAB_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("MANLAB_INTERVAL"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			c.HeartbeatInterval = time.Duration(seconds) * time.Second
		}
	}
	if v := os.Getenv("MANLAB_DISK_MOUNT"); v != "" {
		c.DiskMount = v
	}
	if v := os.Getenv("MANLAB_NET_INTERFACE"); v != "" {
		c.NetInterface = v
	}
	if v := os.Getenv("MANLAB_PING_TARGET"); v != "" {
		c.PingTarget = v
	}
	if v := os.Getenv("MANLAB_UPDATE_COMMAND"); v != "" {
		c.UpdateCommand = v
	}
	if v := os.Getenv("MANLAB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	// Comma-separated list enables exactly the named capabilities.
	if v := os.Getenv("MANLAB_CAPABILITIES"); v != "" {
		caps := make(map[string]bool)
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				caps[trimmed] = true
			}
		}
		c.Capabilities = caps
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return errors.New("hub URL is required (MANLAB_URL or hub_url)")
	}
	if !strings.HasPrefix(c.HubURL, "ws://") && !strings.HasPrefix(c.HubURL, "wss://") {
		return fmt.Errorf("hub URL must be ws:// or wss://, got %q", c.HubURL)
	}
	if c.Token == "" {
		return errors.New("agent token is required (MANLAB_TOKEN or token)")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.TopProcessCount < 0 {
		return errors.New("top process count must not be negative")
	}
	return nil
}

// SpoolPath returns the on-disk location of the offline telemetry spool.
func (c *Config) SpoolPath() string {
	return c.StateDir + "/spool.db"
}

// NodeIDPath returns the file holding the hub-assigned node identity.
func (c *Config) NodeIDPath() string {
	return c.StateDir + "/node-id"
}
