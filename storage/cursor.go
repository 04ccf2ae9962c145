// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"

	"github.com/absmach/streamq/core"
)

// logCursor is the Cursor implementation shared by all Log engines. It
// keeps the next read position and the start of the last batch so a
// dispatch round that found no consumers can be rolled back.
type logCursor struct {
	log Log

	mu         sync.Mutex
	next       core.Position
	batchStart core.Position
}

// NewCursor creates a cursor positioned at the head of log.
func NewCursor(log Log) Cursor {
	return &logCursor{log: log}
}

func (c *logCursor) ReadNext(ctx context.Context, max int) ([]*core.Entry, error) {
	c.mu.Lock()
	from := c.next
	c.mu.Unlock()

	entries, err := c.log.ReadFrom(ctx, from, max)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.batchStart = from
	if len(entries) > 0 {
		c.next = entries[len(entries)-1].Position().Next()
	}
	c.mu.Unlock()
	return entries, nil
}

func (c *logCursor) Rewind() {
	c.mu.Lock()
	c.next = c.batchStart
	c.mu.Unlock()
}

func (c *logCursor) Seek(pos core.Position) {
	c.mu.Lock()
	c.next = pos
	c.batchStart = pos
	c.mu.Unlock()
}

func (c *logCursor) Position() core.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *logCursor) IsCaughtUp() bool {
	last, ok := c.log.LastAppended()
	if !ok {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.next.Less(last.Next())
}
