// Package config loads agent configuration from defaults, an optional
// YAML file, and PROBEHUB_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the agent's runtime configuration.
type Config struct {
	// ServerURL is the base WebSocket URL of the hub, e.g.
	// wss://hub.example.com. The agent socket path is appended.
	ServerURL string `koanf:"server_url"`

	AgentID string `koanf:"agent_id"`
	Secret  string `koanf:"secret"`

	// Shell overrides the default shell used for terminal sessions.
	Shell string `koanf:"shell"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaults() map[string]any {
	return map[string]any{
		"server_url": "",
		"agent_id":   "",
		"secret":     "",
		"shell":      "",
		"log_level":  "info",
		"log_format": "auto",
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("PROBEHUB_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PROBEHUB_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the agent can actually connect somewhere.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url must be a ws:// or wss:// URL")
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	return nil
}
