// Package config loads the daemon's runtime configuration. Values are
// layered: built-in defaults, then an optional YAML file, then KAI_*
// environment variables (KAI_LISTEN_ADDR overrides listen_addr, etc.).
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

// Config holds the daemon's runtime configuration.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	DataDir    string `koanf:"data_dir"`
	LogLevel   string `koanf:"log_level"`

	// Session cache.
	SessionCacheSize int           `koanf:"session_cache_size"`
	SessionIdleTTL   time.Duration `koanf:"session_idle_ttl"`

	// Client-facing behavior.
	ShowArchived          bool   `koanf:"show_archived"`
	DefaultPermissionMode string `koanf:"default_permission_mode"`

	// Room agent.
	MaxConcurrentPairs int `koanf:"max_concurrent_pairs"`
	MaxErrorCount      int `koanf:"max_error_count"`

	// Timeouts (seconds).
	RequestTimeoutSeconds   int `koanf:"request_timeout_seconds"`
	TransportTimeoutSeconds int `koanf:"transport_timeout_seconds"`
	RewindTimeoutSeconds    int `koanf:"rewind_timeout_seconds"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":               ":4820",
		"data_dir":                  defaultDataDir(),
		"log_level":                 "info",
		"session_cache_size":        64,
		"session_idle_ttl":          30 * time.Minute,
		"show_archived":             false,
		"default_permission_mode":   "bypassPermissions",
		"max_concurrent_pairs":      2,
		"max_error_count":           3,
		"request_timeout_seconds":   10,
		"transport_timeout_seconds": 30,
		"rewind_timeout_seconds":    60,
	}
}

// Load builds a Config from defaults, the optional YAML file at path
// (skipped when path is empty or the file does not exist), and KAI_*
// environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("KAI_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "KAI_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration and ensures the data dir exists.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.SessionCacheSize < 1 {
		return fmt.Errorf("session_cache_size must be at least 1")
	}
	if c.MaxConcurrentPairs < 1 {
		return fmt.Errorf("max_concurrent_pairs must be at least 1")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "kai")
	}
	return filepath.Join(home, ".config", "kai")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "kai.db")
}
