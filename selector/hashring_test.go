// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamq/core"
)

type ringConsumer struct {
	id string
}

func (c *ringConsumer) ID() string             { return c.id }
func (c *ringConsumer) AvailablePermits() int  { return 0 }
func (c *ringConsumer) Send(_ []*core.Entry, _ core.BatchInfo) <-chan error {
	return nil
}

func TestHashRingEmptySelectsNil(t *testing.T) {
	ring := NewHashRing(0)
	assert.Nil(t, ring.Select([]byte("key")))
}

func TestHashRingDeterministicSelection(t *testing.T) {
	ring := NewHashRing(DefaultVirtualPoints)
	for i := 0; i < 3; i++ {
		require.NoError(t, ring.AddConsumer(&ringConsumer{id: fmt.Sprintf("consumer-%d", i)}))
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		first := ring.Select(key)
		require.NotNil(t, first)
		for j := 0; j < 10; j++ {
			assert.Same(t, first, ring.Select(key), "repeated selection must be stable for key %s", key)
		}
	}
}

func TestHashRingMembershipErrors(t *testing.T) {
	ring := NewHashRing(10)
	c := &ringConsumer{id: "dup"}

	require.NoError(t, ring.AddConsumer(c))
	assert.ErrorIs(t, ring.AddConsumer(c), ErrConsumerExists)

	require.NoError(t, ring.RemoveConsumer(c))
	assert.ErrorIs(t, ring.RemoveConsumer(c), ErrConsumerNotFound)
	assert.Equal(t, 0, ring.Size())
}

func TestHashRingRemovalOnlyRemapsRemovedConsumer(t *testing.T) {
	ring := NewHashRing(DefaultVirtualPoints)
	a := &ringConsumer{id: "consumer-a"}
	b := &ringConsumer{id: "consumer-b"}
	c := &ringConsumer{id: "consumer-c"}
	require.NoError(t, ring.AddConsumer(a))
	require.NoError(t, ring.AddConsumer(b))
	require.NoError(t, ring.AddConsumer(c))

	before := make(map[string]core.Consumer)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key] = ring.Select([]byte(key))
	}

	require.NoError(t, ring.RemoveConsumer(c))

	// Keys that were not bound to the removed consumer keep their owner.
	for key, owner := range before {
		if owner == c {
			continue
		}
		assert.Same(t, owner, ring.Select([]byte(key)), "key %s must keep its consumer", key)
	}
}

func TestHashRingSpreadsKeys(t *testing.T) {
	ring := NewHashRing(DefaultVirtualPoints)
	counts := make(map[string]int)
	for i := 0; i < 4; i++ {
		require.NoError(t, ring.AddConsumer(&ringConsumer{id: fmt.Sprintf("consumer-%d", i)}))
	}

	for i := 0; i < 1000; i++ {
		c := ring.Select([]byte(fmt.Sprintf("key-%d", i)))
		require.NotNil(t, c)
		counts[c.ID()]++
	}

	// Every consumer should own a meaningful share of the key space.
	require.Len(t, counts, 4)
	for id, n := range counts {
		assert.Greater(t, n, 50, "consumer %s owns too few keys", id)
	}
}
