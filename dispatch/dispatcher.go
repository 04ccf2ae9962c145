// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/redelivery"
	"github.com/absmach/streamq/selector"
)

// Dispatcher routes batches of fetched entries to the consumers of one
// persistent subscription in sticky-key mode.
//
// One mutex covers the consumer registry, the selector, and the
// grouping/send-issuing phase of a round, so registry churn can never
// observe or produce divergent registry/selector state. Send completions
// arrive on arbitrary goroutines and touch only atomics, the redelivery
// tracker, and the per-consumer breakers.
type Dispatcher struct {
	mu        sync.Mutex
	consumers map[string]core.Consumer
	sel       selector.Selector
	breakers  map[string]*gobreaker.TwoStepCircuitBreaker

	source  ReadSource
	tracker *redelivery.Tracker

	topicLimiter *ratelimit.DispatchRateLimiter
	subLimiter   *ratelimit.DispatchRateLimiter
	ackFilter    AckFilter

	// totalPermits is the broker-shared available-permit pool; consumers
	// grant into it via AddPermits and sends consume from it.
	totalPermits atomic.Int64

	// pendingSends counts the outstanding per-consumer sends of the
	// current round. The completion that decrements it to zero resumes
	// upstream reading.
	pendingSends atomic.Int32

	cfg    Config
	logger *slog.Logger
	stats  Stats
}

// New creates a dispatcher over the given selector, read source, and
// redelivery tracker.
func New(sel selector.Selector, source ReadSource, tracker *redelivery.Tracker, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		consumers: make(map[string]core.Consumer),
		sel:       sel,
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
		source:    source,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetRateLimiters installs the topic- and subscription-level dispatch rate
// limiters. Either may be nil (absent).
func (d *Dispatcher) SetRateLimiters(topic, subscription *ratelimit.DispatchRateLimiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topicLimiter = topic
	d.subLimiter = subscription
}

// SetAckFilter installs the already-acknowledged filter applied to each
// deliverable prefix just before sending.
func (d *Dispatcher) SetAckFilter(f AckFilter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackFilter = f
}

// AddConsumer registers c and places it on the selector. The registry
// mutates first; a registration conflict leaves the selector untouched.
func (d *Dispatcher) AddConsumer(c core.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := c.ID()
	if _, ok := d.consumers[id]; ok {
		return fmt.Errorf("%w: %s", ErrConsumerAlreadyRegistered, id)
	}
	d.consumers[id] = c

	if err := d.sel.AddConsumer(c); err != nil {
		// Keep registry and selector in lockstep: undo the registry add.
		delete(d.consumers, id)
		return err
	}

	if b := d.newBreaker(id); b != nil {
		d.breakers[id] = b
	}
	d.logger.Debug("consumer added", slog.String("consumer", id))
	return nil
}

// RemoveConsumer unregisters c and takes it off the selector. In-flight
// sends to c are unaffected; their completions resolve through the normal
// failure path.
func (d *Dispatcher) RemoveConsumer(c core.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := c.ID()
	if _, ok := d.consumers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotRegistered, id)
	}
	delete(d.consumers, id)

	if err := d.sel.RemoveConsumer(c); err != nil {
		d.consumers[id] = c
		return err
	}

	delete(d.breakers, id)
	d.logger.Debug("consumer removed", slog.String("consumer", id))
	return nil
}

// ConsumerCount returns the number of registered consumers.
func (d *Dispatcher) ConsumerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.consumers)
}

// AddPermits grants n permits into the shared available-permit pool.
func (d *Dispatcher) AddPermits(n int64) {
	d.totalPermits.Add(n)
}

// AvailablePermits returns the shared available-permit pool balance.
func (d *Dispatcher) AvailablePermits() int64 {
	return d.totalPermits.Load()
}

// PendingSends returns the number of sends of the current round still
// awaiting completion.
func (d *Dispatcher) PendingSends() int32 {
	return d.pendingSends.Load()
}

// plannedSend is one per-consumer send prepared during grouping. positions
// are captured up front so a failed send can defer its batch after the
// consumer has released the entries.
type plannedSend struct {
	consumer  core.Consumer
	entries   []*core.Entry
	positions []core.Position
	batch     core.BatchInfo
	done      func(success bool)
}

// Dispatch runs one round over a fetched batch. scratch is the caller's
// reusable grouping buffer; rounds for one subscription are serialized by
// the owning worker goroutine, and the next round starts only after this
// round triggers ReadMoreEntries.
func (d *Dispatcher) Dispatch(readType ReadType, entries []*core.Entry, scratch *Grouping) {
	if len(entries) == 0 {
		d.source.ReadMoreEntries()
		return
	}

	d.mu.Lock()

	if len(d.consumers) == 0 {
		for _, e := range entries {
			e.Release()
		}
		d.mu.Unlock()
		d.source.Rewind()
		return
	}

	if scratch == nil {
		scratch = NewGrouping()
	}
	scratch.Reset()
	for _, e := range entries {
		c := d.sel.Select(e.StickyKey())
		if c == nil {
			// Selector is out of step with the registry; defer rather
			// than drop.
			d.tracker.Add(e.Position())
			e.Release()
			d.stats.EntriesDeferred.Add(1)
			continue
		}
		scratch.Append(c, e)
	}

	plans := make([]plannedSend, 0, scratch.Len())
	for _, c := range scratch.Consumers() {
		if plan, ok := d.planSend(readType, c, scratch.Entries(c)); ok {
			plans = append(plans, plan)
		}
	}

	// The counter must be final before any completion can observe it.
	d.pendingSends.Store(int32(len(plans)))

	var totalMessages, totalBytes int64
	for _, p := range plans {
		completion := p.consumer.Send(p.entries, p.batch)
		d.totalPermits.Add(-int64(p.batch.Messages))
		totalMessages += int64(p.batch.Messages)
		totalBytes += p.batch.Bytes
		d.stats.MessagesSent.Add(uint64(p.batch.Messages))
		d.stats.BytesSent.Add(uint64(p.batch.Bytes))

		go d.awaitCompletion(p.consumer.ID(), p.positions, p.done, completion)
	}
	d.stats.Rounds.Add(1)
	// Snapshot the limiters under the lock; SetRateLimiters may swap
	// them concurrently.
	topicLimiter, subLimiter := d.topicLimiter, d.subLimiter
	d.mu.Unlock()

	if len(plans) == 0 {
		// Every entry was deferred or filtered; resume reading now, as
		// no completion will.
		d.source.ReadMoreEntries()
	}

	// Best-effort dispatch accounting after the sends are issued, not
	// after their completions.
	if totalMessages > 0 && (d.cfg.ThrottleCaughtUpConsumers || !d.source.IsActive()) {
		topicLimiter.TryDispatchPermit(totalMessages, totalBytes)
		subLimiter.TryDispatchPermit(totalMessages, totalBytes)
	}
}

// planSend clips c's group to its permits, defers the saturated tail, and
// prepares the deliverable prefix. Called with d.mu held.
func (d *Dispatcher) planSend(readType ReadType, c core.Consumer, group []*core.Entry) (plannedSend, bool) {
	permits := c.AvailablePermits()
	if permits < 0 {
		permits = 0
	}

	breaker := d.breakers[c.ID()]
	if breaker != nil && breaker.State() == gobreaker.StateOpen {
		permits = 0
	}

	deliverable := min(len(group), permits)

	// The saturated tail returns to the retry queue instead of being
	// reassigned: sticky-key semantics keep a key's messages on its
	// consumer even under backpressure.
	for _, e := range group[deliverable:] {
		d.tracker.Add(e.Position())
		e.Release()
		d.stats.EntriesDeferred.Add(1)
	}
	if deliverable == 0 {
		return plannedSend{}, false
	}
	prefix := group[:deliverable]

	// Replayed entries leave the redelivery tracker before the send path
	// takes over and recycles them.
	if readType == ReadTypeReplay {
		for _, e := range prefix {
			d.tracker.Remove(e.Position())
		}
	}

	kept := prefix
	if d.ackFilter != nil {
		kept = prefix[:0]
		for _, e := range prefix {
			if d.ackFilter.IsAcked(e.Position()) {
				e.Release()
				continue
			}
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return plannedSend{}, false
	}

	var done func(success bool)
	if breaker != nil {
		var err error
		done, err = breaker.Allow()
		if err != nil {
			// The breaker opened between the state check and here;
			// defer the prefix like any saturated group.
			for _, e := range kept {
				d.tracker.Add(e.Position())
				e.Release()
				d.stats.EntriesDeferred.Add(1)
			}
			return plannedSend{}, false
		}
	}

	var bytes int64
	positions := make([]core.Position, len(kept))
	for i, e := range kept {
		bytes += int64(e.Size())
		positions[i] = e.Position()
	}
	return plannedSend{
		consumer:  c,
		entries:   kept,
		positions: positions,
		batch:     core.BatchInfo{Messages: len(kept), Bytes: bytes},
		done:      done,
	}, true
}

// awaitCompletion observes one send's completion. A failed send defers its
// batch's positions back to the redelivery tracker so a replay retries them
// on the same sticky consumer. Every resolved send, success or failure,
// counts toward the round; the completion that drains the counter triggers
// the next upstream read, exactly once per round.
func (d *Dispatcher) awaitCompletion(consumerID string, positions []core.Position, done func(success bool), completion <-chan error) {
	err := <-completion
	if done != nil {
		done(err == nil)
	}

	if err != nil {
		for _, pos := range positions {
			d.tracker.Add(pos)
		}
		d.stats.SendFailures.Add(1)
		d.stats.EntriesDeferred.Add(uint64(len(positions)))
		d.logger.Warn("consumer send failed, batch deferred for redelivery",
			slog.String("consumer", consumerID),
			slog.Int("entries", len(positions)),
			slog.String("error", err.Error()))
	}

	if d.pendingSends.Add(-1) == 0 {
		d.stats.RoundsCompleted.Add(1)
		d.source.ReadMoreEntries()
	}
}

func (d *Dispatcher) newBreaker(consumerID string) *gobreaker.TwoStepCircuitBreaker {
	if d.cfg.BreakerFailureThreshold == 0 {
		return nil
	}
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        consumerID,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("consumer send breaker state changed",
				slog.String("consumer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}
