// Package config provides configuration loading and management for runstream.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete runstream configuration
type Config struct {
	Data      DataConfig      `yaml:"data"`
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Stream    StreamConfig    `yaml:"stream"`
}

// DataConfig configures durable storage locations
type DataConfig struct {
	// Dir is the root data directory (default: ~/.local/share/runstream)
	Dir string `yaml:"dir"`
	// DatabaseFile is the SQLite event log file name inside Dir
	DatabaseFile string `yaml:"database_file"`
}

// DatabasePath returns the resolved SQLite file path.
func (d DataConfig) DatabasePath() string {
	return filepath.Join(d.Dir, d.DatabaseFile)
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	// Addr is the listen address (default: :8090)
	Addr string `yaml:"addr"`
	// Prefix is the path segment the API mounts under (default: api)
	Prefix string `yaml:"prefix"`
}

// WorkflowsConfig configures workflow definition loading
type WorkflowsConfig struct {
	// Path is the workflows.yaml location (default: workflows.yaml in Data.Dir)
	Path string `yaml:"path"`
	// Watch enables hot reload of the definition file
	Watch bool `yaml:"watch"`
}

// StreamConfig configures inline stream behavior
type StreamConfig struct {
	// Heartbeat is the idle interval between keep-alive frames
	Heartbeat time.Duration `yaml:"heartbeat"`
	// PollInterval is how often the inline stream tails the log
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	dataDir := ".runstream"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "runstream")
	}
	return &Config{
		Data: DataConfig{
			Dir:          dataDir,
			DatabaseFile: "runstream.db",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		HTTP: HTTPConfig{
			Addr:   ":8090",
			Prefix: "api",
		},
		Workflows: WorkflowsConfig{
			Path:  "",
			Watch: true,
		},
		Stream: StreamConfig{
			Heartbeat:    15 * time.Second,
			PollInterval: 250 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.DatabaseFile == "" {
		return fmt.Errorf("data.database_file is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Data
	if other.Data.Dir != "" {
		c.Data.Dir = other.Data.Dir
	}
	if other.Data.DatabaseFile != "" {
		c.Data.DatabaseFile = other.Data.DatabaseFile
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.Prefix != "" {
		c.HTTP.Prefix = other.HTTP.Prefix
	}

	// Workflows
	if other.Workflows.Path != "" {
		c.Workflows.Path = other.Workflows.Path
	}

	// Stream
	if other.Stream.Heartbeat != 0 {
		c.Stream.Heartbeat = other.Stream.Heartbeat
	}
	if other.Stream.PollInterval != 0 {
		c.Stream.PollInterval = other.Stream.PollInterval
	}
}
