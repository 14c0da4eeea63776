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
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/awsclient"
	"github.com/cardinalhq/logflume/internal/cloudstorage"
	"github.com/cardinalhq/logflume/internal/forwarder"
	"github.com/cardinalhq/logflume/internal/healthcheck"
	"github.com/cardinalhq/logflume/internal/queue"
	"github.com/cardinalhq/logflume/internal/sink"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "run the consumer agent, forwarding notified objects to the sink",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "logflume-forward"
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.ValidateForwarder(); err != nil {
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

			var sqsOpts []awsclient.SQSOption
			if cfg.Forwarder.Region != "" {
				sqsOpts = append(sqsOpts, awsclient.WithSQSRegion(cfg.Forwarder.Region))
			}
			if cfg.Forwarder.RoleARN != "" {
				sqsOpts = append(sqsOpts, awsclient.WithSQSRole(cfg.Forwarder.RoleARN))
			}
			sqsClient, err := mgr.GetSQS(doneCtx, sqsOpts...)
			if err != nil {
				return fmt.Errorf("failed to create SQS client: %w", err)
			}

			// an unreachable queue is a refusal to start, not a retry loop
			if err := probeQueue(doneCtx, sqsClient, cfg.Forwarder.QueueURL); err != nil {
				return fmt.Errorf("notification queue unreachable: %w", err)
			}

			qOpts := []queue.SQSOption{
				queue.WithVisibilityTimeout(cfg.Forwarder.VisibilityTimeout),
			}
			if cfg.Forwarder.DeadLetterQueueURL != "" {
				qOpts = append(qOpts, queue.WithDeadLetterURL(cfg.Forwarder.DeadLetterQueueURL))
			}
			q := queue.NewSQSQueue(sqsClient, cfg.Forwarder.QueueURL, qOpts...)

			snk, err := sink.NewOpenSearchSink(cfg.Sink)
			if err != nil {
				return fmt.Errorf("failed to create sink: %w", err)
			}

			fwdOpts := []forwarder.Option{
				forwarder.WithBulkSize(cfg.Sink.BulkSize),
			}
			if q.HasDeadLetter() {
				fwdOpts = append(fwdOpts, forwarder.WithDeadLetterer(q))
			}
			fwd := forwarder.New(cfg.Forwarder, q, store, snk, fwdOpts...)

			health := healthcheck.NewServer(healthcheck.Config{Port: cfg.Health.Port})
			health.RegisterStatusSource("forwarder", func() any {
				return fwd.Stats().Snapshot()
			})

			g, ctx := errgroup.WithContext(doneCtx)
			g.Go(func() error {
				return health.Start(ctx)
			})
			g.Go(func() error {
				return fwd.Run(ctx)
			})

			health.SetStatus(healthcheck.StatusHealthy)
			health.SetReady(true)
			return g.Wait()
		},
	}
	rootCmd.AddCommand(cmd)
}

// probeQueue verifies the queue exists and is reachable before any worker
// starts.
func probeQueue(ctx context.Context, client *awsclient.SQSClient, queueURL string) error {
	_, err := client.Client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	return err
}
