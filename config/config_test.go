// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
dispatch:
  throttle_caught_up_consumers: true
  breaker_failure_threshold: 3
  breaker_reset_timeout: 10s
subscription:
  batch_size: 50
  sweep_interval: 250ms
rate_limit:
  enabled: true
  subscription:
    message_rate: 1000
storage:
  type: badger
  badger:
    dir: /var/lib/streamq
    compression: true
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Dispatch.ThrottleCaughtUpConsumers)
	assert.Equal(t, uint32(3), cfg.Dispatch.BreakerFailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.BreakerResetTimeout)
	assert.Equal(t, 50, cfg.Subscription.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Subscription.SweepInterval)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, float64(1000), cfg.RateLimit.Subscription.MessageRate)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/streamq", cfg.Storage.Badger.Dir)
	assert.True(t, cfg.Storage.Badger.Compression)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Selector, cfg.Selector)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		desc   string
		mutate func(*Config)
		errStr string
	}{
		{
			desc:   "zero batch size",
			mutate: func(c *Config) { c.Subscription.BatchSize = 0 },
			errStr: "subscription.batch_size",
		},
		{
			desc: "breaker without reset timeout",
			mutate: func(c *Config) {
				c.Dispatch.BreakerFailureThreshold = 5
				c.Dispatch.BreakerResetTimeout = 0
			},
			errStr: "breaker_reset_timeout",
		},
		{
			desc:   "zero virtual points",
			mutate: func(c *Config) { c.Selector.VirtualPoints = 0 },
			errStr: "selector.virtual_points",
		},
		{
			desc: "negative rate",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Topic.MessageRate = -1
			},
			errStr: "rate_limit.topic",
		},
		{
			desc:   "unknown storage type",
			mutate: func(c *Config) { c.Storage.Type = "etcd" },
			errStr: "storage.type",
		},
		{
			desc: "badger without dir",
			mutate: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.Badger.Dir = ""
			},
			errStr: "storage.badger.dir",
		},
		{
			desc:   "bad log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			errStr: "log.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errStr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Subscription.BatchSize = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = NewLogger(LogConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
