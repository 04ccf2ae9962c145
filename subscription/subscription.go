// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription runs the read loop of one persistent subscription:
// it pulls batches from the cursor (or replays tracked positions), feeds
// them to the sticky-key dispatcher, and resumes reading when the
// dispatcher signals round completion.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/dispatch"
	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/redelivery"
	"github.com/absmach/streamq/selector"
	"github.com/absmach/streamq/storage"
)

// Defaults for the read loop.
const (
	DefaultBatchSize     = 100
	DefaultSweepInterval = time.Second
)

// Config holds read-loop tuning.
type Config struct {
	// BatchSize caps the entries fetched per round, for both normal and
	// replay reads.
	BatchSize int `yaml:"batch_size"`

	// SweepInterval bounds how long appended entries can sit before the
	// loop notices them without an explicit Notify.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the read-loop defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		SweepInterval: DefaultSweepInterval,
	}
}

// Options bundles the collaborators for a subscription. Zero values get
// sensible defaults.
type Options struct {
	Config    Config
	Dispatch  dispatch.Config
	RateLimit ratelimit.Config
	Selector  selector.Selector
	Logger    *slog.Logger
}

// Subscription owns one persistent subscription's dispatch pipeline. The
// read loop runs on a single goroutine; read triggers from completions and
// producers are coalesced onto it, so grouping and send-issuing never run
// concurrently with themselves.
type Subscription struct {
	name       string
	log        storage.Log
	cursor     storage.Cursor
	tracker    *redelivery.Tracker
	dispatcher *dispatch.Dispatcher
	scratch    *dispatch.Grouping

	batchSize int
	sweep     time.Duration
	logger    *slog.Logger

	trigger chan struct{}
	mu      sync.Mutex
	queued  bool
	// starved is set when a round delivered nothing (no permits, no
	// consumers). It parks completion-driven triggers until the sweep
	// tick or a Notify, so a saturated subscription does not spin
	// through read-defer cycles.
	starved bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a subscription reading from log. An empty name gets a
// generated one.
func New(name string, log storage.Log, opts Options) *Subscription {
	if name == "" {
		name = uuid.NewString()
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("subscription", name))

	sel := opts.Selector
	if sel == nil {
		sel = selector.NewHashRing(selector.DefaultVirtualPoints)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		name:      name,
		log:       log,
		cursor:    storage.NewCursor(log),
		tracker:   redelivery.NewTracker(),
		scratch:   dispatch.NewGrouping(),
		batchSize: cfg.BatchSize,
		sweep:     cfg.SweepInterval,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.dispatcher = dispatch.New(sel, s, s.tracker, opts.Dispatch, logger)
	s.dispatcher.SetRateLimiters(opts.RateLimit.Build())
	return s
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Dispatcher returns the subscription's dispatcher.
func (s *Subscription) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Tracker returns the redelivery tracker.
func (s *Subscription) Tracker() *redelivery.Tracker { return s.tracker }

// AddConsumer attaches a consumer to the subscription.
func (s *Subscription) AddConsumer(c core.Consumer) error {
	return s.dispatcher.AddConsumer(c)
}

// RemoveConsumer detaches a consumer from the subscription.
func (s *Subscription) RemoveConsumer(c core.Consumer) error {
	return s.dispatcher.RemoveConsumer(c)
}

// Start launches the read loop and kicks the first read.
func (s *Subscription) Start() {
	s.wg.Add(1)
	go s.run()
	s.ReadMoreEntries()
}

// Stop terminates the read loop and waits for it to exit.
func (s *Subscription) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Notify wakes the read loop after new entries were appended to the log.
func (s *Subscription) Notify() {
	s.setStarved(false)
	s.ReadMoreEntries()
}

// ReadMoreEntries requests the next batch. Duplicate triggers are
// coalesced until the loop picks one up.
func (s *Subscription) ReadMoreEntries() {
	s.mu.Lock()
	if s.queued {
		s.mu.Unlock()
		return
	}
	s.queued = true
	s.mu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
		// Loop already has a pending trigger.
		s.markIdle()
	}
}

// Rewind resets the cursor to the start of the batch most recently
// dispatched.
func (s *Subscription) Rewind() {
	s.cursor.Rewind()
}

// IsActive reports whether the subscription is keeping up with the log.
func (s *Subscription) IsActive() bool {
	return s.cursor.IsCaughtUp()
}

func (s *Subscription) markIdle() {
	s.mu.Lock()
	s.queued = false
	s.mu.Unlock()
}

func (s *Subscription) setStarved(v bool) {
	s.mu.Lock()
	s.starved = v
	s.mu.Unlock()
}

func (s *Subscription) isStarved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starved
}

func (s *Subscription) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			s.markIdle()
			s.readOnce()
		case <-ticker.C:
			if s.dispatcher.PendingSends() == 0 && s.hasWork() {
				s.setStarved(false)
				s.ReadMoreEntries()
			}
		}
	}
}

func (s *Subscription) hasWork() bool {
	return s.tracker.Len() > 0 || !s.cursor.IsCaughtUp()
}

// readOnce performs one read and dispatches the result. Replay reads take
// priority over forward reads so deferred entries are retried first.
func (s *Subscription) readOnce() {
	if s.dispatcher.PendingSends() > 0 {
		// A round is still in flight; its completion re-triggers us.
		return
	}
	if s.isStarved() {
		return
	}

	before := s.dispatcher.Stats().MessagesSent
	defer func() {
		if s.dispatcher.Stats().MessagesSent == before {
			s.setStarved(true)
		}
	}()

	if s.tracker.Len() > 0 {
		s.replayOnce()
		return
	}

	if s.cursor.IsCaughtUp() {
		return
	}

	entries, err := s.cursor.ReadNext(s.ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("cursor read failed", slog.String("error", err.Error()))
		return
	}
	if len(entries) == 0 {
		return
	}
	s.dispatcher.Dispatch(dispatch.ReadTypeNormal, entries, s.scratch)
}

func (s *Subscription) replayOnce() {
	positions := s.tracker.Positions()
	if len(positions) > s.batchSize {
		positions = positions[:s.batchSize]
	}

	entries, err := s.log.ReadPositions(s.ctx, positions)
	if err != nil {
		s.logger.Warn("replay read failed", slog.String("error", err.Error()))
		return
	}
	if len(entries) == 0 {
		// The tracked entries are gone from the log; stop tracking them.
		for _, pos := range positions {
			s.tracker.Remove(pos)
		}
		s.logger.Debug("dropped redelivery marks for vanished entries",
			slog.Int("count", len(positions)))
		return
	}
	s.dispatcher.Dispatch(dispatch.ReadTypeReplay, entries, s.scratch)
}
