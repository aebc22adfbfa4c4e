// Package config loads server configuration from defaults, an optional
// YAML file, and PROBEHUB_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`

	// ReplicaID names this replica in the presence directory. Leave
	// empty to derive one from the hostname.
	ReplicaID string `koanf:"replica_id"`

	// RedisAddr enables the Redis presence directory. Empty means
	// single-replica mode with the in-process directory.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// JWTSecret signs operator tokens. Required.
	JWTSecret string `koanf:"jwt_secret"`

	AdminUsername string `koanf:"admin_username"`
	AdminPassword string `koanf:"admin_password"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	InventoryInterval time.Duration `koanf:"inventory_interval"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":               ":8080",
		"data_dir":           defaultDataDir(),
		"replica_id":         "",
		"redis_addr":         "",
		"redis_password":     "",
		"redis_db":           0,
		"jwt_secret":         "",
		"admin_username":     "admin",
		"admin_password":     "admin",
		"heartbeat_interval": "15s",
		"inventory_interval": "1h",
		"log_level":          "info",
		"log_format":         "auto",
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
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

// Validate checks required values and ensures the data directory
// exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.ReplicaID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("derive replica id: %w", err)
		}
		c.ReplicaID = host
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "probehub.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "probehub", "server")
	}
	return filepath.Join(home, ".config", "probehub", "server")
}
