// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package selector maps sticky keys to registered consumers. The dispatcher
// keeps the selector's membership in lockstep with its consumer registry;
// for a fixed membership, the same key always resolves to the same consumer.
package selector

import (
	"errors"

	"github.com/absmach/streamq/core"
)

// Membership errors.
var (
	ErrConsumerExists   = errors.New("consumer already in selector")
	ErrConsumerNotFound = errors.New("consumer not in selector")
)

// Selector resolves a sticky key to one of the currently registered
// consumers. Implementations are not required to lock against the dispatch
// path; the dispatcher serializes Select against membership changes.
type Selector interface {
	// Select returns the consumer owning key, or nil when no consumers
	// are registered.
	Select(key []byte) core.Consumer

	AddConsumer(c core.Consumer) error
	RemoveConsumer(c core.Consumer) error
}
