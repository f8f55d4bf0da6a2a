// Package config loads the mesh runtime's process-level configuration.
// Scope is intentionally narrow: bootstrapping the surrounding product
// (CLI flags, declarative-model sourcing, agent process deployment) is a
// Non-goal of this module.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings for the mesh runtime.
type Config struct {
	// Debug enables verbose console logging.
	Debug bool `yaml:"debug"`

	// Workers is the size of the RuntimeManager's worker scheduler pool.
	Workers int `yaml:"workers"`

	// DataDir is the badger-backed model store's data directory.
	DataDir string `yaml:"data_dir"`

	// HistoryLimit bounds the in-memory per-topic envelope history ring.
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads and parses a YAML config file, applying defaults for any
// unset field.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	applyDefaults(&cfg)

	if cfg.Workers < 0 {
		return nil, fmt.Errorf("config: workers cannot be negative: %d", cfg.Workers)
	}

	return &cfg, nil
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/mosaic"
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 100
	}
}
