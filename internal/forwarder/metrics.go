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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	messagesAcked    metric.Int64Counter
	messagesDead     metric.Int64Counter
	messagesSkipped  metric.Int64Counter
	recordsForwarded metric.Int64Counter
	recordsDropped   metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/logflume/internal/forwarder")

	var err error
	messagesAcked, err = meter.Int64Counter(
		"logflume.forwarder.messages.acked",
		metric.WithDescription("Notification messages acknowledged after successful forwarding"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create messages.acked counter: %w", err))
	}

	messagesDead, err = meter.Int64Counter(
		"logflume.forwarder.messages.dead",
		metric.WithDescription("Notification messages that reached the dead state"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create messages.dead counter: %w", err))
	}

	messagesSkipped, err = meter.Int64Counter(
		"logflume.forwarder.messages.skipped",
		metric.WithDescription("Notification messages skipped (test events, duplicates)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create messages.skipped counter: %w", err))
	}

	recordsForwarded, err = meter.Int64Counter(
		"logflume.forwarder.records.forwarded",
		metric.WithDescription("Records accepted by the downstream sink"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.forwarded counter: %w", err))
	}

	recordsDropped, err = meter.Int64Counter(
		"logflume.forwarder.records.dropped",
		metric.WithDescription("Records dropped after exhausting per-record retries"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.dropped counter: %w", err))
	}
}
