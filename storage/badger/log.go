// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed segment log for durable
// persistent subscriptions.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/storage"
)

var _ storage.Log = (*Log)(nil)

// DefaultSegmentSize is the number of entries per segment before rolling.
const DefaultSegmentSize = 4096

// entryPrefix namespaces entry keys inside the database.
//
// Key format: 'e' | segment (8B BE) | offset (8B BE), so lexicographic key
// order equals position order.
const entryPrefix = byte('e')

const (
	recordVersion = 1

	flagCompressed = 1 << 0
)

// Config holds BadgerDB log configuration.
type Config struct {
	// Dir is the directory for BadgerDB data.
	Dir string `yaml:"dir"`

	// SegmentSize is the entries-per-segment roll threshold,
	// DefaultSegmentSize when zero.
	SegmentSize int `yaml:"segment_size"`

	// Compression S2-compresses payloads at rest.
	Compression bool `yaml:"compression"`
}

// Log is a BadgerDB-backed segment log. Payloads are stored as versioned
// records, optionally S2-compressed, and read back into pooled refcounted
// buffers.
type Log struct {
	db          *badger.DB
	segmentSize int
	compress    bool
	pool        *core.BufferPool

	mu       sync.Mutex
	next     core.Position
	last     core.Position
	hasLast  bool
	segCount int
	closed   bool
}

// NewLog opens (or creates) a log in cfg.Dir. The next append position is
// recovered from the newest stored key.
func NewLog(cfg Config) (*Log, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Entries are redeliverable; skip the per-write fsync.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger log: %w", err)
	}

	l := &Log{
		db:          db,
		segmentSize: cfg.SegmentSize,
		compress:    cfg.Compression,
		pool:        core.NewBufferPool(64),
	}
	if l.segmentSize <= 0 {
		l.segmentSize = DefaultSegmentSize
	}

	if err := l.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// recover finds the newest stored key and resumes appending after it.
func (l *Log) recover() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the highest possible entry key.
		seek := entryKey(core.Position{Segment: ^uint64(0), Offset: ^uint64(0)})
		it.Seek(seek)
		if !it.ValidForPrefix([]byte{entryPrefix}) {
			l.next = core.Position{}
			return nil
		}

		pos, err := parseEntryKey(it.Item().Key())
		if err != nil {
			return err
		}
		l.last = pos
		l.hasLast = true
		l.next = core.Position{Segment: pos.Segment, Offset: pos.Offset + 1}
		l.segCount = int(pos.Offset) + 1
		if l.segCount >= l.segmentSize {
			l.next = core.Position{Segment: pos.Segment + 1}
			l.segCount = 0
		}
		return nil
	})
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

	pos := l.next
	record := encodeRecord(key, payload, l.compress)
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(pos), record)
	})
	if err != nil {
		return core.Position{}, fmt.Errorf("append entry %s: %w", pos, err)
	}

	l.last = pos
	l.hasLast = true
	l.segCount++
	if l.segCount >= l.segmentSize {
		l.next = core.Position{Segment: pos.Segment + 1}
		l.segCount = 0
	} else {
		l.next = pos.Next()
	}
	return pos, nil
}

// ReadFrom returns up to max entries at positions >= pos in storage order.
func (l *Log) ReadFrom(_ context.Context, pos core.Position, max int) ([]*core.Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	if l.isClosed() {
		return nil, storage.ErrClosed
	}

	var entries []*core.Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{entryPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(pos)); it.Valid() && len(entries) < max; it.Next() {
			item := it.Item()
			at, err := parseEntryKey(item.Key())
			if err != nil {
				return err
			}
			entry, err := l.readEntry(item, at)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		releaseAll(entries)
		return nil, err
	}
	return entries, nil
}

// ReadPositions fetches entries at exactly the given positions; absent
// positions are skipped.
func (l *Log) ReadPositions(_ context.Context, positions []core.Position) ([]*core.Entry, error) {
	if l.isClosed() {
		return nil, storage.ErrClosed
	}

	entries := make([]*core.Entry, 0, len(positions))
	err := l.db.View(func(txn *badger.Txn) error {
		for _, pos := range positions {
			item, err := txn.Get(entryKey(pos))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			entry, err := l.readEntry(item, pos)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		releaseAll(entries)
		return nil, err
	}
	return entries, nil
}

// LastAppended returns the position of the newest entry.
func (l *Log) LastAppended() (core.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasLast
}

// Close closes the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.db.Close()
}

func (l *Log) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Log) readEntry(item *badger.Item, pos core.Position) (*core.Entry, error) {
	var entry *core.Entry
	err := item.Value(func(val []byte) error {
		key, payload, err := decodeRecord(val, l.pool)
		if err != nil {
			return fmt.Errorf("entry %s: %w", pos, err)
		}
		entry = core.NewEntry(pos, key, payload)
		return nil
	})
	return entry, err
}

func entryKey(pos core.Position) []byte {
	key := make([]byte, 17)
	key[0] = entryPrefix
	binary.BigEndian.PutUint64(key[1:9], pos.Segment)
	binary.BigEndian.PutUint64(key[9:17], pos.Offset)
	return key
}

func parseEntryKey(key []byte) (core.Position, error) {
	if len(key) != 17 || key[0] != entryPrefix {
		return core.Position{}, fmt.Errorf("malformed entry key %x", key)
	}
	return core.Position{
		Segment: binary.BigEndian.Uint64(key[1:9]),
		Offset:  binary.BigEndian.Uint64(key[9:17]),
	}, nil
}

// Record format: version (1B) | flags (1B) | key length (4B BE) | key |
// payload. A compressed payload is S2-encoded.
func encodeRecord(key, payload []byte, compress bool) []byte {
	body := payload
	flags := byte(0)
	if compress {
		body = s2.Encode(nil, payload)
		flags |= flagCompressed
	}

	record := make([]byte, 0, 6+len(key)+len(body))
	record = append(record, recordVersion, flags)
	record = binary.BigEndian.AppendUint32(record, uint32(len(key)))
	record = append(record, key...)
	record = append(record, body...)
	return record
}

func decodeRecord(record []byte, pool *core.BufferPool) ([]byte, *core.RefCountedBuffer, error) {
	if len(record) < 6 {
		return nil, nil, fmt.Errorf("record too short: %d bytes", len(record))
	}
	if record[0] != recordVersion {
		return nil, nil, fmt.Errorf("unsupported record version %d", record[0])
	}
	flags := record[1]
	keyLen := binary.BigEndian.Uint32(record[2:6])
	if uint32(len(record)-6) < keyLen {
		return nil, nil, fmt.Errorf("truncated record key")
	}

	key := append([]byte(nil), record[6:6+keyLen]...)
	body := record[6+keyLen:]

	if flags&flagCompressed != 0 {
		payload, err := s2.Decode(nil, body)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress payload: %w", err)
		}
		return key, core.NewRefCountedBuffer(payload, pool), nil
	}
	return key, pool.GetWithData(body), nil
}

func releaseAll(entries []*core.Entry) {
	for _, e := range entries {
		e.Release()
	}
}
