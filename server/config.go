package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	DBPath       string `yaml:"db_path"`
	SettingsPath string `yaml:"settings_path"`
	LogLevel     string `yaml:"log_level"` // debug | info | warn | error
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8090",
		DBPath:       "smsto.sqlite3",
		SettingsPath: "settings.json",
		LogLevel:     "info",
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("settings_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	return nil
}
