package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config drives the syndicate daemon. Every field has a sensible default;
// a config file and SYNDICATE_* environment variables layer on top.
type Config struct {
	Site       SiteConfig       `json:"site"`
	Federation FederationConfig `json:"federation"`
	Storage    StorageConfig    `json:"storage"`
	Bus        BusConfig        `json:"bus,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
}

type SiteConfig struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// FederationConfig tunes the sync engine. Durations are strings in
// time.ParseDuration form ("10s", "5m"); empty fields keep engine defaults.
type FederationConfig struct {
	Strategy        string `json:"strategy"`
	ReconcileBatch  int    `json:"reconcile_batch,omitempty"`
	ConnectTimeout  string `json:"connect_timeout,omitempty"`
	ConnectAttempts int    `json:"connect_attempts,omitempty"`
	BackgroundRetry string `json:"background_retry,omitempty"`
	IdleThreshold   string `json:"idle_threshold,omitempty"`
	HealthInterval  string `json:"health_interval,omitempty"`
}

type StorageConfig struct {
	DataDir  string `json:"data_dir"`
	InMemory bool   `json:"in_memory,omitempty"`
}

// BusConfig points at the etcd cluster backing the bus strategy. Empty
// endpoints select the in-process bus.
type BusConfig struct {
	Endpoints []string `json:"endpoints,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
}

type HTTPConfig struct {
	Address string `json:"address"`
}

func Default() *Config {
	return &Config{
		Federation: FederationConfig{
			Strategy: "realtime",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Bus: BusConfig{
			Namespace: "syndicate",
		},
		HTTP: HTTPConfig{
			Address: ":8080",
		},
	}
}

// Load reads a config file, layers environment overrides on top of the
// defaults, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Site.Address = getEnv("SYNDICATE_SITE_ADDRESS", c.Site.Address)
	c.Site.DisplayName = getEnv("SYNDICATE_DISPLAY_NAME", c.Site.DisplayName)
	c.Federation.Strategy = getEnv("SYNDICATE_STRATEGY", c.Federation.Strategy)
	c.Storage.DataDir = getEnv("SYNDICATE_DATA_DIR", c.Storage.DataDir)
	c.Bus.Namespace = getEnv("SYNDICATE_BUS_NAMESPACE", c.Bus.Namespace)
	c.HTTP.Address = getEnv("SYNDICATE_HTTP_ADDRESS", c.HTTP.Address)

	if endpoints := os.Getenv("SYNDICATE_BUS_ENDPOINTS"); endpoints != "" {
		c.Bus.Endpoints = splitList(endpoints)
	}
	if v := os.Getenv("SYNDICATE_STORAGE_IN_MEMORY"); v == "true" || v == "1" {
		c.Storage.InMemory = true
	}
}

func (c *Config) Validate() error {
	if c.Site.Address == "" {
		return fmt.Errorf("site address is required")
	}
	if !strings.Contains(c.Site.Address, "@") {
		return fmt.Errorf("site address %q must be name@host form", c.Site.Address)
	}
	switch c.Federation.Strategy {
	case "realtime", "mirror", "bus":
	default:
		return fmt.Errorf("unknown federation strategy %q", c.Federation.Strategy)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http listen address is required")
	}
	return nil
}

// ParseDuration parses a duration string, falling back when the field is
// empty or malformed.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultPath returns the config file the daemon looks for when no
// --config flag is given.
func DefaultPath() string {
	if dir := os.Getenv("SYNDICATE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.json")
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "syndicate", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".syndicate", "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
