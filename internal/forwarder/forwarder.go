// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package forwarder is the consumer agent: a fixed pool of workers that
// drain the notification queue, fetch each referenced object from the
// object store, bulk-forward its records to the downstream sink, and
// acknowledge the message only after forwarding succeeded.
package forwarder

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/cloudstorage"
	"github.com/cardinalhq/logflume/internal/logctx"
	"github.com/cardinalhq/logflume/internal/queue"
	"github.com/cardinalhq/logflume/internal/sink"
)

const (
	receiveErrorDelay = 5 * time.Second
	statsInterval     = time.Minute
	ackTimeout        = 5 * time.Second
	defaultBulkSize   = 500
)

// Forwarder drains the notification queue. Workers share only read-only
// configuration, the stats aggregator, and the duplicate cache; each
// message is owned by exactly one worker at a time (enforced by the
// queue's visibility timeout, not by us).
type Forwarder struct {
	cfg    config.ForwarderConfig
	q      queue.Queue
	dlq    queue.DeadLetterer // nil when no dead-letter path is configured
	store  cloudstorage.Client
	sink   sink.Sink
	dedup  *ttlcache.Cache[string, time.Time]
	stats  *StatsAggregator
	tmpdir string

	bulkSize int
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithDeadLetterer routes Dead messages to the given dead-letter path
// instead of leaving them to expire and redeliver.
func WithDeadLetterer(d queue.DeadLetterer) Option {
	return func(f *Forwarder) {
		f.dlq = d
	}
}

// WithTempDir overrides the scratch directory for fetched objects.
func WithTempDir(dir string) Option {
	return func(f *Forwarder) {
		f.tmpdir = dir
	}
}

// WithBulkSize caps the number of records per bulk request to the sink.
func WithBulkSize(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.bulkSize = n
		}
	}
}

// New creates a Forwarder. The configuration must already have passed
// ValidateForwarder.
func New(cfg config.ForwarderConfig, q queue.Queue, store cloudstorage.Client, snk sink.Sink, opts ...Option) *Forwarder {
	f := &Forwarder{
		cfg:   cfg,
		q:     q,
		store: store,
		sink:  snk,
		dedup: ttlcache.New(
			ttlcache.WithTTL[string, time.Time](cfg.DedupTTL),
		),
		stats:    NewStatsAggregator(statsInterval),
		tmpdir:   os.TempDir(),
		bulkSize: defaultBulkSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Stats exposes the aggregator for the status endpoint.
func (f *Forwarder) Stats() *StatsAggregator {
	return f.stats
}

// Run blocks until ctx is cancelled. Each worker finishes its in-flight
// message before exiting; unacknowledged messages are left to expire and
// redeliver.
func (f *Forwarder) Run(ctx context.Context) error {
	slog.Info("Starting forwarder",
		slog.Int("workers", f.cfg.Workers),
		slog.Int("receiveBatchSize", f.cfg.ReceiveBatchSize),
		slog.Duration("visibilityTimeout", f.cfg.VisibilityTimeout))

	f.stats.Start(ctx)
	defer f.stats.Stop()

	go f.dedup.Start() // expired-entry janitor
	defer f.dedup.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < f.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			f.worker(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	slog.Info("Forwarder stopped")
	return err
}

// worker runs the blocking receive-process-acknowledge loop. A receive is
// only issued once the previous batch is fully processed, so the number of
// in-flight messages never exceeds workers times batch size; the queue
// itself absorbs any backlog.
func (f *Forwarder) worker(ctx context.Context, id int) {
	logger := slog.With(slog.Int("worker", id))
	ctx = logctx.WithLogger(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := f.q.Receive(ctx, f.cfg.ReceiveBatchSize, f.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to receive messages, backing off",
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorDelay):
			}
			continue
		}

		if len(msgs) == 0 {
			continue
		}
		f.stats.RecordReceived(len(msgs))

		for _, msg := range msgs {
			// After cancellation, stop starting new work; unprocessed
			// messages stay invisible until their deadline expires and
			// are then redelivered.
			if ctx.Err() != nil {
				return
			}
			f.stats.AddInFlight(1)
			f.processMessage(ctx, msg)
			f.stats.AddInFlight(-1)
		}
	}
}
