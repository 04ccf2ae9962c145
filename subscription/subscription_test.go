// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/storage/memory"
	"github.com/absmach/streamq/subscription"
)

var errSendRefused = errors.New("send refused")

// testConsumer acknowledges every send immediately and consumes its own
// permits without regranting them. A non-zero failures budget makes that
// many sends fail before it turns healthy.
type testConsumer struct {
	id       string
	permits  atomic.Int64
	failures atomic.Int32

	mu        sync.Mutex
	positions []core.Position
	payloads  [][]byte
}

func newTestConsumer(id string, permits int64) *testConsumer {
	c := &testConsumer{id: id}
	c.permits.Store(permits)
	return c
}

func (c *testConsumer) ID() string { return c.id }

func (c *testConsumer) AvailablePermits() int { return int(c.permits.Load()) }

func (c *testConsumer) Send(entries []*core.Entry, batch core.BatchInfo) <-chan error {
	if c.failures.Add(-1) >= 0 {
		for _, e := range entries {
			e.Release()
		}
		done := make(chan error, 1)
		done <- errSendRefused
		return done
	}

	c.mu.Lock()
	for _, e := range entries {
		c.positions = append(c.positions, e.Position())
		c.payloads = append(c.payloads, append([]byte(nil), e.Payload()...))
		e.Release()
	}
	c.mu.Unlock()
	c.permits.Add(-int64(batch.Messages))

	done := make(chan error, 1)
	done <- nil
	return done
}

func (c *testConsumer) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.positions)
}

func (c *testConsumer) receivedPositions() []core.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Position(nil), c.positions...)
}

func newTestSubscription(t *testing.T, log *memory.Log) *subscription.Subscription {
	t.Helper()
	sub := subscription.New(t.Name(), log, subscription.Options{
		Config: subscription.Config{
			BatchSize:     10,
			SweepInterval: 20 * time.Millisecond,
		},
	})
	t.Cleanup(sub.Stop)
	return sub
}

func appendPayloads(t *testing.T, log *memory.Log, key string, payloads ...string) []core.Position {
	t.Helper()
	positions := make([]core.Position, 0, len(payloads))
	for _, p := range payloads {
		pos, err := log.Append(context.Background(), []byte(key), []byte(p))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	return positions
}

func TestSubscriptionDeliversAppendedEntries(t *testing.T) {
	log := memory.NewLog()
	sub := newTestSubscription(t, log)

	consumer := newTestConsumer("c1", 100)
	require.NoError(t, sub.AddConsumer(consumer))
	sub.Start()

	want := appendPayloads(t, log, "device-7", "m0", "m1", "m2", "m3", "m4")
	sub.Notify()

	require.Eventually(t, func() bool {
		return consumer.received() == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, consumer.receivedPositions())
	assert.Equal(t, 0, sub.Tracker().Len())
	assert.True(t, sub.IsActive())
}

func TestSubscriptionReplaysSaturatedTail(t *testing.T) {
	log := memory.NewLog()
	sub := newTestSubscription(t, log)

	consumer := newTestConsumer("c1", 2)
	require.NoError(t, sub.AddConsumer(consumer))
	sub.Start()

	want := appendPayloads(t, log, "device-7", "m0", "m1", "m2", "m3", "m4")
	sub.Notify()

	// Only the permit-sized prefix goes out; the tail lands in the
	// redelivery tracker.
	require.Eventually(t, func() bool {
		return consumer.received() == 2 && sub.Tracker().Len() == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Granting permits lets the sweep replay the tracked tail.
	consumer.permits.Store(100)
	sub.Notify()

	require.Eventually(t, func() bool {
		return consumer.received() == len(want) && sub.Tracker().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Replay preserves storage order, so the key's messages arrive in
	// append order despite the stall.
	assert.Equal(t, want, consumer.receivedPositions())
}

func TestSubscriptionRecoversAfterSendFailure(t *testing.T) {
	log := memory.NewLog()
	sub := newTestSubscription(t, log)

	consumer := newTestConsumer("c1", 100)
	consumer.failures.Store(1)
	require.NoError(t, sub.AddConsumer(consumer))
	sub.Start()

	want := appendPayloads(t, log, "device-7", "m0", "m1", "m2")
	sub.Notify()

	// The failed batch lands in the tracker, the round resolves, and the
	// following replay delivers everything once the consumer is healthy.
	require.Eventually(t, func() bool {
		return consumer.received() == len(want) && sub.Tracker().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, consumer.receivedPositions())
	assert.Equal(t, uint64(1), sub.Dispatcher().Stats().SendFailures)
}

func TestSubscriptionRewindsUntilConsumerAttaches(t *testing.T) {
	log := memory.NewLog()
	sub := newTestSubscription(t, log)
	sub.Start()

	want := appendPayloads(t, log, "device-7", "m0", "m1")
	sub.Notify()

	// With no consumers the batch is rewound, not dropped or tracked.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sub.Tracker().Len())

	consumer := newTestConsumer("c1", 10)
	require.NoError(t, sub.AddConsumer(consumer))

	require.Eventually(t, func() bool {
		return consumer.received() == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, consumer.receivedPositions())
}
