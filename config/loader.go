package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "flowdraft.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/flowdraft"
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

// Load resolves configuration with layered precedence: defaults, then the
// user config (~/.config/flowdraft/config.yaml), then the project config
// (flowdraft.yaml found in the working directory or a parent), then
// environment variables.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	l.overlay(config, l.userConfigPath(), "user")
	l.overlay(config, l.findProjectConfig(), "project")
	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// overlay merges one config file into the accumulated config. A missing
// file is not an error; an unreadable one is logged and skipped.
func (l *Loader) overlay(config *Config, path, layer string) {
	if path == "" {
		return
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("Skipping unreadable config file",
				slog.String("layer", layer),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return
	}
	l.logger.Debug("Applied config layer", slog.String("layer", layer), slog.String("path", path))
	config.Merge(loaded)
}

// applyEnv applies environment variable overrides. These take precedence
// over both user and project config files.
func (l *Loader) applyEnv(config *Config) {
	if v := os.Getenv("NATS_URL"); v != "" {
		config.NATS.URL = v
	} else if v := os.Getenv("FLOWDRAFT_NATS_URL"); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv("FLOWDRAFT_ADDR"); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv("FLOWDRAFT_DRAFT_ENDPOINT"); v != "" {
		config.Draft.Endpoint = v
	}
	if v := os.Getenv("FLOWDRAFT_DRAFT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Draft.Timeout = d
		} else {
			l.logger.Warn("Invalid FLOWDRAFT_DRAFT_TIMEOUT", slog.String("value", v))
		}
	}
}

// userConfigPath returns the path to the user-level config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches the current directory and its parents for a
// project config file.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
