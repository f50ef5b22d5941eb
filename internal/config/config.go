package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models epicline.yml.
type Config struct {
	Model struct {
		Name           string `yaml:"name"`
		MaxTokens      int    `yaml:"max_tokens"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"model"`
	Limits struct {
		MaxMessageChars    int `yaml:"max_message_chars"`
		MaxTranscriptTurns int `yaml:"max_transcript_turns"`
	} `yaml:"limits"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "epicline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("config.model.name is required")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config.model.max_tokens must be positive")
	}
	if c.Model.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.model.timeout_seconds must be positive")
	}
	if c.Limits.MaxMessageChars <= 0 {
		return fmt.Errorf("config.limits.max_message_chars must be positive")
	}
	if c.Limits.MaxTranscriptTurns <= 0 {
		return fmt.Errorf("config.limits.max_transcript_turns must be positive")
	}
	return nil
}

// ModelTimeout is the bounded wait for one model call.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSeconds) * time.Second
}

const defaultTemplate = `model:
  name: claude-sonnet-4-5
  max_tokens: 2048
  timeout_seconds: 120

limits:
  max_message_chars: 8000
  max_transcript_turns: 200
`
