package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models lineup.yml.
type Config struct {
	Marketplace struct {
		Currency          string `yaml:"currency"`
		CommissionPercent int    `yaml:"commission_percent"`
	} `yaml:"marketplace"`
	Payments struct {
		Provider       string `yaml:"provider"` // "none" or "http"
		Endpoint       string `yaml:"endpoint"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"payments"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one notification target fed from the audit
// outbox.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.Currency == "" {
		return fmt.Errorf("config.marketplace.currency is required")
	}
	if c.Marketplace.CommissionPercent < 0 || c.Marketplace.CommissionPercent > 100 {
		return fmt.Errorf("config.marketplace.commission_percent must be 0-100")
	}
	switch c.Payments.Provider {
	case "", "none":
	case "http":
		if c.Payments.Endpoint == "" {
			return fmt.Errorf("config.payments.endpoint is required for provider http")
		}
	default:
		return fmt.Errorf("config.payments.provider must be none or http")
	}
	if c.Payments.TimeoutSeconds < 0 {
		return fmt.Errorf("config.payments.timeout_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lineup.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `marketplace:
  currency: USD
  commission_percent: 15

payments:
  provider: none
  timeout_seconds: 5

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

server:
  listen: 127.0.0.1:8080
  base_path: /v0
`
