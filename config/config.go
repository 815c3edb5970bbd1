// Package config loads orchestrator settings from an optional TOML file with
// environment overrides on top. Environment always wins so deployments can
// share one file and differ per process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port       int    `toml:"Port"`
	WSPath     string `toml:"WSPath"`
	AdminKey   string `toml:"AdminKey"`
	DataDir    string `toml:"DataDir"`
	FeeBps     uint32 `toml:"FeeBps"`
	AuthSecret string `toml:"AuthSecret"`
	LogLevel   string `toml:"LogLevel"`
	Env        string `toml:"Env"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		WSPath:   "/ws/node",
		DataDir:  "./data",
		FeeBps:   500,
		LogLevel: "info",
		Env:      "dev",
	}
}

// Load reads path when it exists, then applies environment overrides. An
// empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT must be an integer: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		c.WSPath = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("GRIDMESH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GRIDMESH_FEE_BPS"); v != "" {
		bps, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: GRIDMESH_FEE_BPS must be an integer: %w", err)
		}
		c.FeeBps = uint32(bps)
	}
	if v := os.Getenv("GRIDMESH_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("GRIDMESH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GRIDMESH_ENV"); v != "" {
		c.Env = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("config: ws path %q must start with /", c.WSPath)
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: fee %d exceeds 10000 basis points", c.FeeBps)
	}
	return nil
}

// ListenAddress renders the HTTP bind address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
