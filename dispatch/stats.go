// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync/atomic"

// Stats holds the dispatcher's atomic counters.
type Stats struct {
	MessagesSent    atomic.Uint64
	BytesSent       atomic.Uint64
	EntriesDeferred atomic.Uint64
	SendFailures    atomic.Uint64
	Rounds          atomic.Uint64
	RoundsCompleted atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the dispatcher counters.
type StatsSnapshot struct {
	MessagesSent    uint64
	BytesSent       uint64
	EntriesDeferred uint64
	SendFailures    uint64
	Rounds          uint64
	RoundsCompleted uint64
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesSent:    d.stats.MessagesSent.Load(),
		BytesSent:       d.stats.BytesSent.Load(),
		EntriesDeferred: d.stats.EntriesDeferred.Load(),
		SendFailures:    d.stats.SendFailures.Load(),
		Rounds:          d.stats.Rounds.Load(),
		RoundsCompleted: d.stats.RoundsCompleted.Load(),
	}
}
