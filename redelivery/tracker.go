// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redelivery tracks entries that were skipped during dispatch and
// are awaiting another delivery attempt.
package redelivery

import (
	"sort"
	"sync"

	"github.com/absmach/streamq/core"
)

// Tracker is a concurrent set of positions pending redelivery. Positions
// are added when an entry is deferred under backpressure and removed when
// the entry is delivered through a replay read. Removal is at most once;
// removing an absent position is not an error, since the entry may already
// have been redelivered through another path.
type Tracker struct {
	mu      sync.RWMutex
	pending map[core.Position]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[core.Position]struct{}),
	}
}

// Add marks pos as pending redelivery.
func (t *Tracker) Add(pos core.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[pos] = struct{}{}
}

// Remove clears pos from the pending set. Returns true when pos was
// actually tracked.
func (t *Tracker) Remove(pos core.Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[pos]; !ok {
		return false
	}
	delete(t.pending, pos)
	return true
}

// Contains reports whether pos is pending redelivery.
func (t *Tracker) Contains(pos core.Position) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pending[pos]
	return ok
}

// Len returns the number of pending positions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Positions returns a snapshot of the pending set in storage order, ready
// to feed a replay read.
func (t *Tracker) Positions() []core.Position {
	t.mu.RLock()
	positions := make([]core.Position, 0, len(t.pending))
	for pos := range t.pending {
		positions = append(positions, pos)
	}
	t.mu.RUnlock()

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Less(positions[j])
	})
	return positions
}
