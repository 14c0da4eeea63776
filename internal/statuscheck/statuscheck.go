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

// Package statuscheck implements the monitor command: it polls the agents'
// local status endpoints and the downstream sink's document count until
// ingestion is quiescent, meaning the count has not moved for a
// configured window.
package statuscheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cardinalhq/logflume/internal/sink"
)

// Counter is the slice of the sink the monitor needs.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

var _ Counter = (sink.Sink)(nil)

// Config drives one monitoring session.
type Config struct {
	// StatusURLs are agent base URLs whose /statusz is reported each poll.
	StatusURLs []string
	// PollInterval is the time between sink count samples.
	PollInterval time.Duration
	// StableFor is how long the count must hold still to be quiescent.
	StableFor time.Duration
	// Timeout bounds the whole session.
	Timeout time.Duration
}

// Result describes how a monitoring session ended.
type Result struct {
	FinalCount int64
	Elapsed    time.Duration
	Polls      int
}

// Monitor polls until quiescence or timeout.
type Monitor struct {
	cfg     Config
	counter Counter
	client  *http.Client
}

// NewMonitor creates a monitor for the given sink counter.
func NewMonitor(cfg Config, counter Counter) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StableFor <= 0 {
		cfg.StableFor = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Monitor{
		cfg:     cfg,
		counter: counter,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Wait blocks until the sink document count has been stable for the
// configured window and is nonzero, then returns the final count. It
// returns an error when the session times out first.
func (m *Monitor) Wait(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var lastCount int64 = -1
	stableSince := start
	polls := 0

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		count, err := m.counter.Count(ctx)
		if err != nil {
			slog.Warn("Failed to query sink document count", slog.Any("error", err))
		} else {
			polls++
			if count != lastCount {
				lastCount = count
				stableSince = time.Now()
			}
			slog.Info("Ingestion progress",
				slog.Int64("documents", count),
				slog.Duration("stableFor", time.Since(stableSince)))

			m.reportAgents(ctx)

			if count > 0 && time.Since(stableSince) >= m.cfg.StableFor {
				return Result{
					FinalCount: count,
					Elapsed:    time.Since(start),
					Polls:      polls,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return Result{FinalCount: lastCount, Elapsed: time.Since(start), Polls: polls},
				fmt.Errorf("ingestion did not become quiescent within %s (last count %d)",
					m.cfg.Timeout, lastCount)
		case <-ticker.C:
		}
	}
}

// reportAgents logs each agent's /statusz snapshot; an unreachable agent
// is reported but does not fail the session.
func (m *Monitor) reportAgents(ctx context.Context) {
	for _, base := range m.cfg.StatusURLs {
		status, err := m.fetchStatus(ctx, base)
		if err != nil {
			slog.Warn("Agent status unavailable",
				slog.String("agent", base),
				slog.Any("error", err))
			continue
		}
		slog.Info("Agent status", slog.String("agent", base), slog.Any("status", status))
	}
}

func (m *Monitor) fetchStatus(ctx context.Context, base string) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/statusz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var status map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status body: %w", err)
	}
	return status, nil
}
