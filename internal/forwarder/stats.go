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

package forwarder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the forwarder's cumulative counter state, served on /statusz.
type Snapshot struct {
	Received         int64 `json:"received"`
	Acked            int64 `json:"acked"`
	Dead             int64 `json:"dead"`
	Skipped          int64 `json:"skipped"`
	RecordsForwarded int64 `json:"records_forwarded"`
	RecordsDropped   int64 `json:"records_dropped"`
	InFlight         int64 `json:"in_flight"`
}

// StatsAggregator collects processing counters and periodically logs the
// delta since the previous report. Cumulative totals are kept for the
// status endpoint.
type StatsAggregator struct {
	mu       sync.Mutex
	window   Snapshot
	total    Snapshot
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	inFlight atomic.Int64
}

// NewStatsAggregator creates a new stats aggregator with the specified
// reporting interval.
func NewStatsAggregator(interval time.Duration) *StatsAggregator {
	return &StatsAggregator{
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins periodic reporting.
func (sa *StatsAggregator) Start(ctx context.Context) {
	sa.wg.Add(1)
	go func() {
		defer sa.wg.Done()
		ticker := time.NewTicker(sa.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				sa.report()
				return
			case <-sa.done:
				sa.report()
				return
			case <-ticker.C:
				sa.report()
			}
		}
	}()
}

// Stop stops the aggregator and reports final stats.
func (sa *StatsAggregator) Stop() {
	close(sa.done)
	sa.wg.Wait()
}

func (sa *StatsAggregator) RecordReceived(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.Received += int64(n)
	sa.total.Received += int64(n)
}

func (sa *StatsAggregator) RecordAcked(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.Acked += int64(n)
	sa.total.Acked += int64(n)
}

func (sa *StatsAggregator) RecordDead(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.Dead += int64(n)
	sa.total.Dead += int64(n)
}

func (sa *StatsAggregator) RecordSkipped(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.Skipped += int64(n)
	sa.total.Skipped += int64(n)
}

func (sa *StatsAggregator) RecordForwarded(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.RecordsForwarded += int64(n)
	sa.total.RecordsForwarded += int64(n)
}

func (sa *StatsAggregator) RecordDropped(n int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.window.RecordsDropped += int64(n)
	sa.total.RecordsDropped += int64(n)
}

// AddInFlight adjusts the in-flight message gauge.
func (sa *StatsAggregator) AddInFlight(delta int64) {
	sa.inFlight.Add(delta)
}

// InFlight returns the current number of messages being processed.
func (sa *StatsAggregator) InFlight() int64 {
	return sa.inFlight.Load()
}

// Snapshot returns cumulative totals.
func (sa *StatsAggregator) Snapshot() Snapshot {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	snap := sa.total
	snap.InFlight = sa.inFlight.Load()
	return snap
}

// report logs and resets the current window.
func (sa *StatsAggregator) report() {
	sa.mu.Lock()
	w := sa.window
	sa.window = Snapshot{}
	sa.mu.Unlock()

	if w == (Snapshot{}) {
		return
	}

	slog.Info("Forwarder processing stats",
		slog.Int64("received", w.Received),
		slog.Int64("acked", w.Acked),
		slog.Int64("dead", w.Dead),
		slog.Int64("skipped", w.Skipped),
		slog.Int64("records_forwarded", w.RecordsForwarded),
		slog.Int64("records_dropped", w.RecordsDropped),
		slog.Int64("in_flight", sa.inFlight.Load()),
	)
}
