package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "runstream.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/runstream"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/runstream/config.yaml)
// 3. Project config (runstream.yaml in current or parent directories)
// 4. Environment variables (RUNSTREAM_*)
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Environment overrides win over every file layer
	l.applyEnv(config)

	// Default the workflow definitions next to the database
	if config.Workflows.Path == "" {
		config.Workflows.Path = filepath.Join(config.Data.Dir, "workflows.yaml")
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays RUNSTREAM_* environment variables.
func (l *Loader) applyEnv(config *Config) {
	if v := os.Getenv("RUNSTREAM_DATA_DIR"); v != "" {
		config.Data.Dir = v
	}
	if v := os.Getenv("RUNSTREAM_DATABASE_FILE"); v != "" {
		config.Data.DatabaseFile = v
	}
	if v := os.Getenv("RUNSTREAM_NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	}
	if v := os.Getenv("RUNSTREAM_HTTP_ADDR"); v != "" {
		config.HTTP.Addr = v
	}
	if v := os.Getenv("RUNSTREAM_WORKFLOWS_PATH"); v != "" {
		config.Workflows.Path = v
	}
	if v := os.Getenv("RUNSTREAM_STREAM_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Stream.Heartbeat = d
		} else {
			l.logger.Warn("Ignoring invalid RUNSTREAM_STREAM_HEARTBEAT", slog.String("value", v))
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for runstream.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
