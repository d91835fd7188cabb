package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields zero config", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		cfg := LoadConfig()
		if cfg != (Config{}) {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("values are read from the config file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)

		confDir := filepath.Join(dir, "shardload")
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		body := "device: meta\nsource: hf\nlog_level: debug\nlog_format: json\nserver_address: 0.0.0.0:9090\n"
		if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg := LoadConfig()
		if cfg.Device != "meta" || cfg.Source != "hf" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
			t.Fatalf("unexpected logging config: %+v", cfg)
		}
		if cfg.ServerAddress != "0.0.0.0:9090" {
			t.Fatalf("unexpected server address: %q", cfg.ServerAddress)
		}
	})

	t.Run("malformed yaml yields zero config", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)

		confDir := filepath.Join(dir, "shardload")
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		if cfg := LoadConfig(); cfg != (Config{}) {
			t.Fatalf("expected zero config for malformed yaml, got %+v", cfg)
		}
	})
}
