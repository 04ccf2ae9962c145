// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// noneKey routes entries without a sticky key. Using a fixed sentinel keeps
// selection deterministic for keyless messages.
var noneKey = []byte("NONE_KEY")

// Entry is an immutable fetched message record. The dispatch round owns the
// entry until it is released, which must happen exactly once on every code
// path: discarded, deferred for redelivery, or handed to a consumer that
// releases it after sending.
type Entry struct {
	pos     Position
	key     []byte
	payload *RefCountedBuffer
}

// NewEntry creates an entry at pos with the given sticky key and payload.
// The entry takes over the payload's initial reference.
func NewEntry(pos Position, key []byte, payload *RefCountedBuffer) *Entry {
	return &Entry{
		pos:     pos,
		key:     key,
		payload: payload,
	}
}

// Position returns the entry's storage position.
func (e *Entry) Position() Position {
	return e.pos
}

// StickyKey returns the routing key for the entry. Entries without a key
// all map to the same sentinel key.
func (e *Entry) StickyKey() []byte {
	if len(e.key) == 0 {
		return noneKey
	}
	return e.key
}

// Payload returns the entry's payload bytes.
func (e *Entry) Payload() []byte {
	return e.payload.Bytes()
}

// Size returns the payload length in bytes.
func (e *Entry) Size() int {
	return e.payload.Len()
}

// Retain adds a reference to the entry's payload.
func (e *Entry) Retain() {
	e.payload.Retain()
}

// Release drops one reference to the entry's payload.
func (e *Entry) Release() {
	e.payload.Release()
}

// RefCount returns the payload's current reference count. Intended for tests.
func (e *Entry) RefCount() int32 {
	return e.payload.RefCount()
}
