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

// Package sink is the Downstream Sink collaborator boundary: a bulk
// document-ingest endpoint with per-document accept/reject status.
package sink

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Document is one record headed for the sink. ID is deterministic so a
// redelivered object overwrites its own records instead of duplicating
// them; Source is the JSON body.
type Document struct {
	ID     string
	Source []byte
}

// Rejection describes one document the sink refused.
type Rejection struct {
	ID     string
	Status int
	Reason string
}

// BulkResult reports the outcome of a bulk call: how many documents the
// sink accepted, and which it rejected.
type BulkResult struct {
	Accepted   int
	Rejections []Rejection
}

// Sink accepts batches of documents. Bulk returns an error only when the
// whole request failed (transport, auth); per-document failures come back
// in the BulkResult.
type Sink interface {
	Bulk(ctx context.Context, docs []Document) (BulkResult, error)

	// Count returns the number of documents currently searchable. Used by
	// the monitor to detect ingestion quiescence.
	Count(ctx context.Context) (int64, error)
}

// DocumentID derives the deterministic document id for a record: the hash
// of the object coordinates plus the record's offset within the object.
// The same record fetched twice always maps to the same id.
func DocumentID(bucket, key string, offset int64) string {
	h := xxhash.New()
	_, _ = h.WriteString(bucket)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(key)
	_, _ = fmt.Fprintf(h, "#%d", offset)
	return fmt.Sprintf("%016x", h.Sum64())
}
