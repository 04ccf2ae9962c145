// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory segment log for tests and embedded
// single-process use.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/storage"
)

// DefaultSegmentSize is the number of entries per segment before rolling.
const DefaultSegmentSize = 1024

type record struct {
	key     []byte
	payload []byte
}

type segment struct {
	id      uint64
	records []record
}

// Log is an in-memory segment log. Appends roll to a new segment once the
// active one reaches the configured entry count.
type Log struct {
	mu          sync.RWMutex
	segments    []*segment
	segmentSize int
	pool        *core.BufferPool
	closed      bool
}

// Option configures a Log.
type Option func(*Log)

// WithSegmentSize sets the entries-per-segment roll threshold.
func WithSegmentSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.segmentSize = n
		}
	}
}

// WithBufferPool sets the pool used for read-side payload buffers.
func WithBufferPool(pool *core.BufferPool) Option {
	return func(l *Log) {
		l.pool = pool
	}
}

// NewLog creates an empty in-memory log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		segmentSize: DefaultSegmentSize,
		pool:        core.NewBufferPool(64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.segments = []*segment{{id: 0}}
	return l
}

// Append stores a payload and returns its assigned position.
func (l *Log) Append(_ context.Context, key, payload []byte) (core.Position, error) {
	if len(payload) == 0 {
		return core.Position{}, storage.ErrEmptyPayload
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return core.Position{}, storage.ErrClosed
	}

	active := l.segments[len(l.segments)-1]
	if len(active.records) >= l.segmentSize {
		active = &segment{id: active.id + 1}
		l.segments = append(l.segments, active)
	}

	keyCopy := append([]byte(nil), key...)
	payloadCopy := append([]byte(nil), payload...)
	active.records = append(active.records, record{key: keyCopy, payload: payloadCopy})

	return core.Position{Segment: active.id, Offset: uint64(len(active.records) - 1)}, nil
}

// ReadFrom returns up to max entries at positions >= pos in storage order.
func (l *Log) ReadFrom(_ context.Context, pos core.Position, max int) ([]*core.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, storage.ErrClosed
	}
	if max <= 0 {
		return nil, nil
	}

	var entries []*core.Entry
	for _, seg := range l.segments {
		if seg.id < pos.Segment {
			continue
		}
		start := uint64(0)
		if seg.id == pos.Segment {
			start = pos.Offset
		}
		for off := start; off < uint64(len(seg.records)); off++ {
			entries = append(entries, l.entryAt(seg, off))
			if len(entries) == max {
				return entries, nil
			}
		}
	}
	return entries, nil
}

// ReadPositions fetches entries at exactly the given positions; absent
// positions are skipped.
func (l *Log) ReadPositions(_ context.Context, positions []core.Position) ([]*core.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, storage.ErrClosed
	}

	entries := make([]*core.Entry, 0, len(positions))
	for _, pos := range positions {
		seg := l.segmentByID(pos.Segment)
		if seg == nil || pos.Offset >= uint64(len(seg.records)) {
			continue
		}
		entries = append(entries, l.entryAt(seg, pos.Offset))
	}
	return entries, nil
}

// LastAppended returns the position of the newest entry.
func (l *Log) LastAppended() (core.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.segments) - 1; i >= 0; i-- {
		seg := l.segments[i]
		if len(seg.records) > 0 {
			return core.Position{Segment: seg.id, Offset: uint64(len(seg.records) - 1)}, true
		}
	}
	return core.Position{}, false
}

// Len returns the total number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for _, seg := range l.segments {
		total += len(seg.records)
	}
	return total
}

// Close marks the log closed; subsequent operations fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Log) segmentByID(id uint64) *segment {
	// Segment IDs are dense and start at 0.
	if id >= uint64(len(l.segments)) {
		return nil
	}
	return l.segments[id]
}

func (l *Log) entryAt(seg *segment, off uint64) *core.Entry {
	rec := seg.records[off]
	return core.NewEntry(
		core.Position{Segment: seg.id, Offset: off},
		rec.key,
		l.pool.GetWithData(rec.payload),
	)
}
