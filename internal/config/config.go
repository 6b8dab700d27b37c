// Package config loads and validates the plugctl YAML configuration:
// the list of paired devices and the timing knobs for connection and
// command handling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	Devices  []Device      `yaml:"devices"`
	Connect  ConnectConfig `yaml:"connect"`
	Command  CommandConfig `yaml:"command"`
	LogLevel string        `yaml:"log_level"`
}

// Device is one paired plug. Token is the hex auth key obtained by
// pairing; it may be empty for a device that has been discovered but
// not yet paired.
type Device struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Model   string `yaml:"model"`
	Token   string `yaml:"token"`
}

// ConnectConfig holds connection timing settings.
type ConnectConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	ReconnectMaxSeconds int `yaml:"reconnect_max_seconds"`
}

// CommandConfig holds per-command retry settings.
type CommandConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "plugctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Connect: ConnectConfig{
			TimeoutSeconds:      10,
			ReconnectMaxSeconds: 30,
		},
		Command: CommandConfig{
			TimeoutSeconds: 2,
			MaxRetries:     2,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config back to path, creating parent directories as
// needed. Used after pairing to persist the new token.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	addrs := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]

		if d.Address == "" {
			return fmt.Errorf("devices[%d]: address must not be empty", i)
		}
		if addrs[d.Address] {
			return fmt.Errorf("devices[%d]: duplicate address %q", i, d.Address)
		}
		addrs[d.Address] = true

		if d.Name != "" {
			if names[d.Name] {
				return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
			}
			names[d.Name] = true
		}

		if _, err := profile.Lookup(profile.Model(d.Model)); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}

		if d.Token != "" {
			if _, err := protocol.ParseToken(d.Token); err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
		}
	}

	if c.Connect.TimeoutSeconds <= 0 {
		return fmt.Errorf("connect.timeout_seconds must be > 0")
	}
	if c.Connect.ReconnectMaxSeconds <= 0 {
		return fmt.Errorf("connect.reconnect_max_seconds must be > 0")
	}
	if c.Command.TimeoutSeconds <= 0 {
		return fmt.Errorf("command.timeout_seconds must be > 0")
	}
	if c.Command.MaxRetries < 0 {
		return fmt.Errorf("command.max_retries must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Find looks a device up by name or address.
func (c *Config) Find(key string) (*Device, bool) {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == key || strings.EqualFold(d.Address, key) {
			return d, true
		}
	}
	return nil, false
}
