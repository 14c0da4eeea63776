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

package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/sink"
	"github.com/cardinalhq/logflume/internal/statuscheck"
)

func init() {
	var (
		statusURLs   []string
		pollInterval time.Duration
		stableTime   time.Duration
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "wait until ingestion is quiescent, then report the final count",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.ValidateSink(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			doneCtx, doneFx, err := setupTelemetry("logflume-monitor")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			snk, err := sink.NewOpenSearchSink(cfg.Sink)
			if err != nil {
				return fmt.Errorf("failed to create sink: %w", err)
			}

			m := statuscheck.NewMonitor(statuscheck.Config{
				StatusURLs:   statusURLs,
				PollInterval: pollInterval,
				StableFor:    stableTime,
				Timeout:      timeout,
			}, snk)

			result, err := m.Wait(doneCtx)
			if err != nil {
				return err
			}
			slog.Info("Ingestion quiescent",
				slog.Int64("documents", result.FinalCount),
				slog.Duration("elapsed", result.Elapsed),
				slog.Int("polls", result.Polls))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusURLs, "status-url", nil,
		"agent base URL to report /statusz from (repeatable)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second,
		"time between sink document count samples")
	cmd.Flags().DurationVar(&stableTime, "stable-time", 30*time.Second,
		"how long the count must hold still before success")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute,
		"overall deadline for the monitoring session")

	rootCmd.AddCommand(cmd)
}
