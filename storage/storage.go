// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the segment log and cursor abstractions the
// dispatcher reads from. Engines live in the memory and badger subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/absmach/streamq/core"
)

// Storage errors.
var (
	ErrClosed       = errors.New("log is closed")
	ErrEmptyPayload = errors.New("empty payload")
)

// Log is an append-only segment log. Entries are identified by a
// (segment, offset) position; offsets restart at zero in each segment.
type Log interface {
	// Append stores a payload with its sticky key and returns the
	// assigned position.
	Append(ctx context.Context, key, payload []byte) (core.Position, error)

	// ReadFrom returns up to max entries at positions >= pos in storage
	// order, crossing segment boundaries. An empty result means the log
	// holds nothing at or after pos.
	ReadFrom(ctx context.Context, pos core.Position, max int) ([]*core.Entry, error)

	// ReadPositions fetches the entries at exactly the given positions,
	// preserving the input order. Positions no longer present are
	// skipped, not errors; the caller treats them as already handled.
	ReadPositions(ctx context.Context, positions []core.Position) ([]*core.Entry, error)

	// LastAppended returns the position of the most recent entry. ok is
	// false while the log is empty.
	LastAppended() (pos core.Position, ok bool)

	Close() error
}

// Cursor tracks a subscription's read position over a Log.
//
// Cursors are owned by a single reader goroutine; only Rewind interacts
// with concurrently issued reads, and implementations serialize it against
// ReadNext internally.
type Cursor interface {
	// ReadNext returns the next batch of at most max entries and
	// advances the cursor past them.
	ReadNext(ctx context.Context, max int) ([]*core.Entry, error)

	// Rewind resets the cursor to the start of the batch most recently
	// returned by ReadNext, so the batch is read again.
	Rewind()

	// Seek moves the cursor to pos.
	Seek(pos core.Position)

	// Position returns the position of the next entry to read.
	Position() core.Position

	// IsCaughtUp reports whether the cursor has drained the log. A
	// cursor with backlog is always rate-accounted by the dispatcher.
	IsCaughtUp() bool
}
