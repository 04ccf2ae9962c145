// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command streamq runs an embedded sticky-key dispatch pipeline: it opens
// the configured log, starts one persistent subscription with a set of
// logging consumers, and feeds it generated keyed messages until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/absmach/streamq/config"
	"github.com/absmach/streamq/core"
	"github.com/absmach/streamq/selector"
	"github.com/absmach/streamq/storage"
	badgerlog "github.com/absmach/streamq/storage/badger"
	"github.com/absmach/streamq/storage/memory"
	"github.com/absmach/streamq/subscription"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	consumers := flag.Int("consumers", 3, "Number of demo consumers")
	keys := flag.Int("keys", 8, "Number of distinct sticky keys to produce")
	interval := flag.Duration("interval", 200*time.Millisecond, "Produce interval")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	var log storage.Log
	switch cfg.Storage.Type {
	case "memory":
		log = memory.NewLog(memory.WithSegmentSize(cfg.Storage.Memory.SegmentSize))
		slog.Info("Using in-memory log")
	case "badger":
		blog, err := badgerlog.NewLog(cfg.Storage.Badger)
		if err != nil {
			slog.Error("Failed to open BadgerDB log", "error", err)
			os.Exit(1)
		}
		log = blog
		slog.Info("Using BadgerDB log", "dir", cfg.Storage.Badger.Dir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer log.Close()

	sub := subscription.New("demo", log, subscription.Options{
		Config:    cfg.Subscription,
		Dispatch:  cfg.Dispatch,
		RateLimit: cfg.RateLimit,
		Selector:  selector.NewHashRing(cfg.Selector.VirtualPoints),
		Logger:    logger,
	})

	for i := 0; i < *consumers; i++ {
		c := newLogConsumer(fmt.Sprintf("consumer-%d", i), 100, logger)
		if err := sub.AddConsumer(c); err != nil {
			slog.Error("Failed to attach consumer", "consumer", c.ID(), "error", err)
			os.Exit(1)
		}
	}

	sub.Start()
	defer sub.Stop()
	slog.Info("Subscription started", "consumers", *consumers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go produce(ctx, log, sub, *keys, *interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	stats := sub.Dispatcher().Stats()
	slog.Info("Dispatch totals",
		"messages_sent", stats.MessagesSent,
		"bytes_sent", stats.BytesSent,
		"entries_deferred", stats.EntriesDeferred,
		"send_failures", stats.SendFailures,
		"rounds_completed", stats.RoundsCompleted)
}

func produce(ctx context.Context, log storage.Log, sub *subscription.Subscription, keys int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := fmt.Sprintf("device-%d", seq%keys)
			payload := fmt.Sprintf(`{"seq":%d,"ts":%d}`, seq, time.Now().UnixMilli())
			if _, err := log.Append(ctx, []byte(key), []byte(payload)); err != nil {
				slog.Error("Append failed", "error", err)
				return
			}
			sub.Notify()
			seq++
		}
	}
}

// logConsumer prints deliveries and acknowledges them immediately,
// regranting its permits.
type logConsumer struct {
	id      string
	permits atomic.Int64
	logger  *slog.Logger
}

func newLogConsumer(id string, permits int64, logger *slog.Logger) *logConsumer {
	c := &logConsumer{id: id, logger: logger.With(slog.String("consumer", id))}
	c.permits.Store(permits)
	return c
}

func (c *logConsumer) ID() string { return c.id }

func (c *logConsumer) AvailablePermits() int { return int(c.permits.Load()) }

func (c *logConsumer) Send(entries []*core.Entry, batch core.BatchInfo) <-chan error {
	c.permits.Add(-int64(batch.Messages))
	for _, e := range entries {
		c.logger.Info("delivered",
			slog.String("position", e.Position().String()),
			slog.String("key", string(e.StickyKey())),
			slog.Int("size", e.Size()))
		e.Release()
	}
	c.permits.Add(int64(batch.Messages))

	done := make(chan error, 1)
	done <- nil
	return done
}
