// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/absmach/streamq/core"
)

// DefaultVirtualPoints is the number of ring points placed per consumer.
// More points smooth the key distribution at the cost of a larger ring.
const DefaultVirtualPoints = 100

type ringPoint struct {
	hash       uint64
	consumerID string
}

// HashRing is a consistent-hash Selector. Each consumer contributes a fixed
// number of virtual points derived from its ID; a key is owned by the
// consumer of the first ring point at or after the key's hash. Adding or
// removing one consumer only remaps the arcs adjacent to its points, so
// keys bound to the remaining consumers keep their assignment.
type HashRing struct {
	mu            sync.RWMutex
	points        []ringPoint
	consumers     map[string]core.Consumer
	virtualPoints int
}

// NewHashRing creates a ring with the given number of virtual points per
// consumer. Non-positive values fall back to DefaultVirtualPoints.
func NewHashRing(virtualPoints int) *HashRing {
	if virtualPoints <= 0 {
		virtualPoints = DefaultVirtualPoints
	}
	return &HashRing{
		consumers:     make(map[string]core.Consumer),
		virtualPoints: virtualPoints,
	}
}

// Select returns the consumer owning key, or nil when the ring is empty.
func (r *HashRing) Select(key []byte) core.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return nil
	}

	h := xxhash.Sum64(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.consumers[r.points[idx].consumerID]
}

// AddConsumer places c's virtual points on the ring.
func (r *HashRing) AddConsumer(c core.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if _, exists := r.consumers[id]; exists {
		return fmt.Errorf("%w: %s", ErrConsumerExists, id)
	}
	r.consumers[id] = c

	for i := 0; i < r.virtualPoints; i++ {
		r.points = append(r.points, ringPoint{
			hash:       pointHash(id, i),
			consumerID: id,
		})
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})
	return nil
}

// RemoveConsumer removes c's virtual points from the ring.
func (r *HashRing) RemoveConsumer(c core.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if _, exists := r.consumers[id]; !exists {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, id)
	}
	delete(r.consumers, id)

	kept := r.points[:0]
	for _, p := range r.points {
		if p.consumerID != id {
			kept = append(kept, p)
		}
	}
	r.points = kept
	return nil
}

// Size returns the number of registered consumers.
func (r *HashRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

func pointHash(consumerID string, point int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s#%d", consumerID, point))
}
