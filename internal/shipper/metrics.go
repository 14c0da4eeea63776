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

package shipper

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	recordsSpooled   metric.Int64Counter
	recordsShipped   metric.Int64Counter
	segmentsUploaded metric.Int64Counter
	uploadErrors     metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/logflume/internal/shipper")

	var err error
	recordsSpooled, err = meter.Int64Counter(
		"logflume.shipper.records.spooled",
		metric.WithDescription("Records read from source files into the local ledger"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.spooled counter: %w", err))
	}

	recordsShipped, err = meter.Int64Counter(
		"logflume.shipper.records.shipped",
		metric.WithDescription("Records included in successfully uploaded segments"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.shipped counter: %w", err))
	}

	segmentsUploaded, err = meter.Int64Counter(
		"logflume.shipper.segments.uploaded",
		metric.WithDescription("Segment objects uploaded to the object store"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create segments.uploaded counter: %w", err))
	}

	uploadErrors, err = meter.Int64Counter(
		"logflume.shipper.upload.errors",
		metric.WithDescription("Segment uploads that failed after exhausting retries"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.errors counter: %w", err))
	}
}
