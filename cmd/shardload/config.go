package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the shardload configuration file
// (~/.config/shardload/config.yaml).
type Config struct {
	Device    string `yaml:"device"`
	Source    string `yaml:"source"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "shardload", "config.yaml")
}

// applyConfig fills in defaults from the config file for flags the user did
// not set explicitly.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.Source != "" && !c.IsSet("source") {
		source = cfg.Source
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
