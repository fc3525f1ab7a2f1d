// Package config loads service settings from an optional YAML file,
// overridden by environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 15124
	DefaultLogLevel         = "info"
	DefaultKeepaliveSeconds = 30
)

// Config is the process-wide configuration. Per-camera settings arrive
// through the start API, not here.
type Config struct {
	Port int `yaml:"port" env:"OWL_PORT"`

	// Model is the explicit model path. When empty the conventional
	// locations are searched at startup.
	Model string `yaml:"model" env:"OWL_MODEL"`

	Callback struct {
		URL    string `yaml:"url" env:"OWL_CALLBACK_URL"`
		Secret string `yaml:"secret" env:"OWL_CALLBACK_SECRET"`
	} `yaml:"callback"`

	Log struct {
		Level string `yaml:"level" env:"OWL_LOG_LEVEL"`
	} `yaml:"log"`

	KeepaliveSeconds int `yaml:"keepalive_seconds" env:"OWL_KEEPALIVE_SECONDS"`
}

// Load reads filename when given, then applies environment overrides and
// defaults. A missing filename argument is not an error; the environment
// and defaults carry the configuration.
func Load(filename string) (*Config, error) {
	cfg := &Config{}

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.KeepaliveSeconds <= 0 {
		cfg.KeepaliveSeconds = DefaultKeepaliveSeconds
	}
	return cfg, nil
}
