// Package config provides configuration loading and management for flowdraft.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete flowdraft configuration
type Config struct {
	Server Server `yaml:"server"`
	NATS   NATS   `yaml:"nats"`
	Draft  Draft  `yaml:"draft"`
	Memory Memory `yaml:"memory"`
	Stream Stream `yaml:"stream"`
}

// Server configures the HTTP API.
type Server struct {
	// Addr is the listen address (default: ":8090")
	Addr string `yaml:"addr"`
	// ReadTimeout bounds request header/body reads
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATS configures the NATS connection.
type NATS struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// Draft configures the draft-step LLM endpoint.
type Draft struct {
	// Endpoint is the draft service URL (e.g. http://localhost:11434/v1/draft)
	Endpoint string `yaml:"endpoint"`
	// Model is the model identifier forwarded to the endpoint
	Model string `yaml:"model"`
	// Timeout is the maximum time to wait for a draft response
	Timeout time.Duration `yaml:"timeout"`
}

// Memory configures the conversation memory engine.
type Memory struct {
	// QuestionCap is the maximum number of follow-up questions per conversation
	QuestionCap int `yaml:"question_cap"`
	// AskedWindow is how many normalized asked questions are retained for dedup
	AskedWindow int `yaml:"asked_window"`
	// TemplatesPath optionally points to a yaml file overriding the
	// built-in stage question templates. Watched for changes when set.
	TemplatesPath string `yaml:"templates_path"`
}

// Stream configures the server-to-client event stream.
type Stream struct {
	// PingInterval is how often ping frames are emitted on an open stream
	PingInterval time.Duration `yaml:"ping_interval"`
	// IdleTimeout is the client-side idle timer (reset on every chunk)
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxDuration is the client-side absolute cap on a single stream attempt
	MaxDuration time.Duration `yaml:"max_duration"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8090",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		NATS: NATS{
			URL:  "nats://localhost:4222",
			Name: "flowdraft",
		},
		Draft: Draft{
			Endpoint: "http://localhost:11434/v1/draft",
			Model:    "qwen2.5-coder:32b",
			Timeout:  2 * time.Minute,
		},
		Memory: Memory{
			QuestionCap: 8,
			AskedWindow: 20,
		},
		Stream: Stream{
			PingInterval: 15 * time.Second,
			IdleTimeout:  45 * time.Second,
			MaxDuration:  4 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Draft.Endpoint == "" {
		return fmt.Errorf("draft.endpoint is required")
	}
	if c.Memory.QuestionCap < 1 {
		return fmt.Errorf("memory.question_cap must be at least 1")
	}
	if c.Memory.AskedWindow < 1 {
		return fmt.Errorf("memory.asked_window must be at least 1")
	}
	if c.Stream.IdleTimeout <= 0 || c.Stream.MaxDuration <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}
	if c.Stream.IdleTimeout >= c.Stream.MaxDuration {
		return fmt.Errorf("stream.idle_timeout must be shorter than stream.max_duration")
	}
	return nil
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ReadTimeout != 0 {
		c.Server.ReadTimeout = other.Server.ReadTimeout
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}
	if other.Draft.Endpoint != "" {
		c.Draft.Endpoint = other.Draft.Endpoint
	}
	if other.Draft.Model != "" {
		c.Draft.Model = other.Draft.Model
	}
	if other.Draft.Timeout != 0 {
		c.Draft.Timeout = other.Draft.Timeout
	}
	if other.Memory.QuestionCap != 0 {
		c.Memory.QuestionCap = other.Memory.QuestionCap
	}
	if other.Memory.AskedWindow != 0 {
		c.Memory.AskedWindow = other.Memory.AskedWindow
	}
	if other.Memory.TemplatesPath != "" {
		c.Memory.TemplatesPath = other.Memory.TemplatesPath
	}
	if other.Stream.PingInterval != 0 {
		c.Stream.PingInterval = other.Stream.PingInterval
	}
	if other.Stream.IdleTimeout != 0 {
		c.Stream.IdleTimeout = other.Stream.IdleTimeout
	}
	if other.Stream.MaxDuration != 0 {
		c.Stream.MaxDuration = other.Stream.MaxDuration
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
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
