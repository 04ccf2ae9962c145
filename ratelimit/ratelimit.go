// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the dispatch rate limiters consulted by the
// dispatcher after each round. Limiting applies on two levels, topic and
// subscription; either level may be absent.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// nowFunc is swapped in tests to drive token refill without sleeping.
var nowFunc = time.Now

// DispatchRateLimiter bounds dispatch throughput with two token buckets,
// one counting messages and one counting payload bytes. A non-positive
// configured rate leaves that dimension unlimited.
type DispatchRateLimiter struct {
	messages *rate.Limiter
	bytes    *rate.Limiter

	messageRate float64
	byteRate    float64
}

// NewDispatchRateLimiter creates a limiter allowing messageRate messages
// and byteRate bytes per second. Burst equals one second's budget.
func NewDispatchRateLimiter(messageRate, byteRate float64) *DispatchRateLimiter {
	l := &DispatchRateLimiter{
		messageRate: messageRate,
		byteRate:    byteRate,
	}
	if messageRate > 0 {
		l.messages = rate.NewLimiter(rate.Limit(messageRate), burstFor(messageRate))
	}
	if byteRate > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(byteRate), burstFor(byteRate))
	}
	return l
}

// TryDispatchPermit accounts for messageCount messages and byteCount bytes
// dispatched this round. It never blocks; the return value reports whether
// the budget held, letting the caller throttle future rounds. Accounting is
// best effort: a nil limiter always permits.
func (l *DispatchRateLimiter) TryDispatchPermit(messageCount, byteCount int64) bool {
	if l == nil {
		return true
	}

	allowed := true
	if l.messages != nil && messageCount > 0 {
		allowed = l.messages.AllowN(nowFunc(), int(messageCount)) && allowed
	}
	if l.bytes != nil && byteCount > 0 {
		allowed = l.bytes.AllowN(nowFunc(), int(byteCount)) && allowed
	}
	return allowed
}

// MessageRate returns the configured message rate, 0 meaning unlimited.
func (l *DispatchRateLimiter) MessageRate() float64 {
	if l == nil {
		return 0
	}
	return l.messageRate
}

// ByteRate returns the configured byte rate, 0 meaning unlimited.
func (l *DispatchRateLimiter) ByteRate() float64 {
	if l == nil {
		return 0
	}
	return l.byteRate
}

func burstFor(r float64) int {
	if r < 1 {
		return 1
	}
	return int(r)
}

// Config holds dispatch rate limiting configuration for both levels.
type Config struct {
	Enabled      bool        `yaml:"enabled"`
	Topic        LevelConfig `yaml:"topic"`
	Subscription LevelConfig `yaml:"subscription"`
}

// LevelConfig holds the rates for one limiting level. Zero disables a
// dimension.
type LevelConfig struct {
	MessageRate float64 `yaml:"message_rate"` // messages per second
	ByteRate    float64 `yaml:"byte_rate"`    // payload bytes per second
}

// DefaultConfig returns a configuration with rate limiting disabled.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Topic: LevelConfig{
			MessageRate: 0,
			ByteRate:    0,
		},
		Subscription: LevelConfig{
			MessageRate: 0,
			ByteRate:    0,
		},
	}
}

// Build creates the topic- and subscription-level limiters from the
// configuration. A disabled config or an all-zero level yields nil for that
// limiter, which the dispatcher treats as absent.
func (c Config) Build() (topic, subscription *DispatchRateLimiter) {
	if !c.Enabled {
		return nil, nil
	}
	if c.Topic.MessageRate > 0 || c.Topic.ByteRate > 0 {
		topic = NewDispatchRateLimiter(c.Topic.MessageRate, c.Topic.ByteRate)
	}
	if c.Subscription.MessageRate > 0 || c.Subscription.ByteRate > 0 {
		subscription = NewDispatchRateLimiter(c.Subscription.MessageRate, c.Subscription.ByteRate)
	}
	return topic, subscription
}
