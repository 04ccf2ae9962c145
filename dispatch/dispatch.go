// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements sticky-key dispatch for a persistent
// subscription with multiple concurrent consumers. Each fetched entry is
// routed to exactly one consumer, chosen deterministically from the entry's
// sticky key, clipped to the consumer's flow-control permits. Entries that
// cannot be delivered are deferred to the redelivery tracker, and the next
// upstream read is triggered only once every send in the round completes.
package dispatch

import (
	"errors"
	"time"

	"github.com/absmach/streamq/core"
)

// Registry errors.
var (
	ErrConsumerAlreadyRegistered = errors.New("consumer already registered")
	ErrConsumerNotRegistered     = errors.New("consumer not registered")
)

// ReadType discriminates where a dispatched batch came from.
type ReadType int

const (
	// ReadTypeNormal is a forward read from the subscription cursor.
	ReadTypeNormal ReadType = iota
	// ReadTypeReplay is a read of entries previously deferred for
	// redelivery.
	ReadTypeReplay
)

func (t ReadType) String() string {
	switch t {
	case ReadTypeNormal:
		return "normal"
	case ReadTypeReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// ReadSource is the upstream the dispatcher pulls entries from. All three
// methods must be non-blocking; ReadMoreEntries delivers its result
// asynchronously back into Dispatch.
type ReadSource interface {
	// ReadMoreEntries requests the next batch.
	ReadMoreEntries()

	// Rewind resets the read position to the start of the batch most
	// recently handed to Dispatch, so nothing is lost when no consumer
	// was available.
	Rewind()

	// IsActive reports whether the subscription is keeping up with the
	// log. Backlogged (inactive) reads are always rate-accounted;
	// caught-up reads only when configured.
	IsActive() bool
}

// AckFilter lets the surrounding broker drop entries that were already
// acknowledged before they reach a consumer. Filtered entries consume no
// permits.
type AckFilter interface {
	IsAcked(pos core.Position) bool
}

// Config holds dispatcher tuning.
type Config struct {
	// ThrottleCaughtUpConsumers reports dispatch totals to the rate
	// limiters even when the subscription has no backlog.
	ThrottleCaughtUpConsumers bool `yaml:"throttle_caught_up_consumers"`

	// BreakerFailureThreshold is the number of consecutive send failures
	// that opens a consumer's circuit breaker. While open, the consumer
	// is treated as having no permits and its entries defer to
	// redelivery.
	BreakerFailureThreshold uint32 `yaml:"breaker_failure_threshold"`

	// BreakerResetTimeout is how long an open breaker waits before
	// probing the consumer again.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		ThrottleCaughtUpConsumers: false,
		BreakerFailureThreshold:   5,
		BreakerResetTimeout:       30 * time.Second,
	}
}
