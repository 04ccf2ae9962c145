// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/absmach/streamq/core"
)

// Grouping is the reusable scratch structure for one round's per-consumer
// entry groups. The worker goroutine driving a subscription owns one
// Grouping and passes it to every Dispatch call; it is cleared, not
// reallocated, between rounds and must never be shared across workers.
type Grouping struct {
	groups map[core.Consumer][]*core.Entry
	order  []core.Consumer
}

// NewGrouping creates an empty grouping buffer.
func NewGrouping() *Grouping {
	return &Grouping{
		groups: make(map[core.Consumer][]*core.Entry),
	}
}

// Reset clears the buffer for the next round, keeping allocated capacity
// where possible.
func (g *Grouping) Reset() {
	clear(g.groups)
	g.order = g.order[:0]
}

// Append adds an entry to c's group, preserving per-consumer arrival order.
func (g *Grouping) Append(c core.Consumer, e *core.Entry) {
	if _, ok := g.groups[c]; !ok {
		g.order = append(g.order, c)
	}
	g.groups[c] = append(g.groups[c], e)
}

// Consumers returns the grouped consumers in first-appearance order.
func (g *Grouping) Consumers() []core.Consumer {
	return g.order
}

// Entries returns c's group in arrival order.
func (g *Grouping) Entries(c core.Consumer) []*core.Entry {
	return g.groups[c]
}

// Len returns the number of distinct consumers in the grouping.
func (g *Grouping) Len() int {
	return len(g.order)
}
