// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates broker configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/absmach/streamq/dispatch"
	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/selector"
	badgerlog "github.com/absmach/streamq/storage/badger"
	"github.com/absmach/streamq/storage/memory"
	"github.com/absmach/streamq/subscription"
)

// Config holds all configuration for the dispatch broker.
type Config struct {
	Dispatch     dispatch.Config     `yaml:"dispatch"`
	Subscription subscription.Config `yaml:"subscription"`
	RateLimit    ratelimit.Config    `yaml:"rate_limit"`
	Selector     SelectorConfig      `yaml:"selector"`
	Storage      StorageConfig       `yaml:"storage"`
	Log          LogConfig           `yaml:"log"`
}

// SelectorConfig holds consumer selection settings.
type SelectorConfig struct {
	// VirtualPoints is the number of hash ring points per consumer.
	VirtualPoints int `yaml:"virtual_points"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type   string           `yaml:"type"` // memory, badger
	Badger badgerlog.Config `yaml:"badger"`
	Memory MemoryConfig     `yaml:"memory"`
}

// MemoryConfig holds in-memory log settings.
type MemoryConfig struct {
	SegmentSize int `yaml:"segment_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatch:     dispatch.DefaultConfig(),
		Subscription: subscription.DefaultConfig(),
		RateLimit:    ratelimit.DefaultConfig(),
		Selector: SelectorConfig{
			VirtualPoints: selector.DefaultVirtualPoints,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: badgerlog.Config{
				Dir:         "/tmp/streamq/data",
				SegmentSize: badgerlog.DefaultSegmentSize,
				Compression: false,
			},
			Memory: MemoryConfig{
				SegmentSize: memory.DefaultSegmentSize,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. An empty or missing file
// yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Subscription.BatchSize < 1 {
		return fmt.Errorf("subscription.batch_size must be at least 1")
	}
	if c.Subscription.SweepInterval < 0 {
		return fmt.Errorf("subscription.sweep_interval cannot be negative")
	}

	if c.Dispatch.BreakerFailureThreshold > 0 && c.Dispatch.BreakerResetTimeout <= 0 {
		return fmt.Errorf("dispatch.breaker_reset_timeout required when the breaker is enabled")
	}

	if c.Selector.VirtualPoints < 1 {
		return fmt.Errorf("selector.virtual_points must be at least 1")
	}

	if c.RateLimit.Enabled {
		for name, level := range map[string]ratelimit.LevelConfig{
			"topic":        c.RateLimit.Topic,
			"subscription": c.RateLimit.Subscription,
		} {
			if level.MessageRate < 0 || level.ByteRate < 0 {
				return fmt.Errorf("rate_limit.%s rates cannot be negative", name)
			}
		}
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.Badger.Dir == "" {
		return fmt.Errorf("storage.badger.dir required when type is badger")
	}
	if c.Storage.Badger.SegmentSize < 0 {
		return fmt.Errorf("storage.badger.segment_size cannot be negative")
	}
	if c.Storage.Memory.SegmentSize < 0 {
		return fmt.Errorf("storage.memory.segment_size cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewLogger builds a slog logger from the logging configuration.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
