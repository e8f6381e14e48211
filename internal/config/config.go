// Package config loads Winter's configuration from a YAML file with
// environment overrides, and optionally hot-reloads it when the file
// changes on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Winter client core configuration.
type Config struct {
	// DataDir is where the local document store and logs live.
	DataDir string `yaml:"data_dir"`

	// Workspace is sent as the directory scope on every remote request.
	Workspace string `yaml:"workspace"`

	Remote     RemoteConfig     `yaml:"remote"`
	Completion CompletionConfig `yaml:"completion"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RemoteConfig configures the remote session service client.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout is the per-request timeout, e.g. "30s".
	Timeout string `yaml:"timeout"`
	// ProbeTimeout bounds reachability probes, e.g. "3s".
	ProbeTimeout string `yaml:"probe_timeout"`
}

// CompletionConfig configures the direct-completion backend used when no
// remote service is reachable.
type CompletionConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return &Config{
		DataDir:   filepath.Join(home, ".winter"),
		Workspace: cwd,
		Remote: RemoteConfig{
			BaseURL:      "http://127.0.0.1:6096",
			Timeout:      "30s",
			ProbeTimeout: "3s",
		},
		Completion: CompletionConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5:7b",
			Timeout: "120s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// TimeoutDuration returns the parsed request timeout.
func (r RemoteConfig) TimeoutDuration() time.Duration {
	return parseDuration(r.Timeout, 30*time.Second)
}

// ProbeTimeoutDuration returns the parsed health-probe timeout.
func (r RemoteConfig) ProbeTimeoutDuration() time.Duration {
	return parseDuration(r.ProbeTimeout, 3*time.Second)
}

// TimeoutDuration returns the parsed completion timeout.
func (c CompletionConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 120*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WINTER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WINTER_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("WINTER_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("WINTER_COMPLETION_URL"); v != "" {
		c.Completion.BaseURL = v
	}
	if v := os.Getenv("WINTER_COMPLETION_MODEL"); v != "" {
		c.Completion.Model = v
	}
	if v := os.Getenv("WINTER_API_KEY"); v != "" {
		c.Completion.APIKey = v
	}
	if os.Getenv("WINTER_DEBUG") == "1" {
		c.Logging.Debug = true
		c.Logging.Level = "debug"
	}
}
