package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.DBPath != DefaultConfig().DBPath {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty listen", func(c *Config) { c.Listen = "" }, false},
		{"empty db", func(c *Config) { c.DBPath = "" }, false},
		{"empty settings", func(c *Config) { c.SettingsPath = "" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }, false},
		{"debug level", func(c *Config) { c.LogLevel = "debug" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
