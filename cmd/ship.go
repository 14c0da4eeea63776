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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/awsclient"
	"github.com/cardinalhq/logflume/internal/cloudstorage"
	"github.com/cardinalhq/logflume/internal/healthcheck"
	"github.com/cardinalhq/logflume/internal/shipper"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "run the producer agent, uploading local logs to object storage",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "logflume-ship"
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.ValidateShipper(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			mgr, err := awsclient.NewManager(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to create AWS manager: %w", err)
			}
			store, err := cloudstorage.NewS3ClientProvider(mgr).NewClient(doneCtx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to create storage client: %w", err)
			}

			sh, err := shipper.New(cfg.Shipper, cfg.Storage.Bucket, store)
			if err != nil {
				return fmt.Errorf("failed to create shipper: %w", err)
			}

			health := healthcheck.NewServer(healthcheck.Config{Port: cfg.Health.Port})
			health.RegisterStatusSource("shipper", func() any {
				return sh.Snapshot()
			})

			g, ctx := errgroup.WithContext(doneCtx)
			g.Go(func() error {
				return health.Start(ctx)
			})
			g.Go(func() error {
				return sh.Run(ctx)
			})

			health.SetStatus(healthcheck.StatusHealthy)
			health.SetReady(true)
			return g.Wait()
		},
	}
	rootCmd.AddCommand(cmd)
}
