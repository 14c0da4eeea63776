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

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/cardinalhq/logflume/config"
)

// OpenSearchSink forwards documents to an OpenSearch/Elasticsearch-compatible
// bulk endpoint.
type OpenSearchSink struct {
	client *opensearch.Client
	index  string
}

var _ Sink = (*OpenSearchSink)(nil)

// NewOpenSearchSink builds a sink from the sink configuration.
func NewOpenSearchSink(cfg config.SinkConfig) (*OpenSearchSink, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sink client: %w", err)
	}
	return &OpenSearchSink{client: client, index: cfg.Index}, nil
}

type bulkItemResult struct {
	Index struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool             `json:"errors"`
	Items  []bulkItemResult `json:"items"`
}

// Bulk sends all documents in one bulk request and reports per-document
// accept/reject status parsed from the response items.
func (s *OpenSearchSink) Bulk(ctx context.Context, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	var body bytes.Buffer
	for _, doc := range docs {
		action := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, s.index, doc.ID)
		body.WriteString(action)
		body.WriteByte('\n')
		body.Write(bytes.TrimRight(doc.Source, "\n"))
		body.WriteByte('\n')
	}

	req := opensearchapi.BulkRequest{
		Body: strings.NewReader(body.String()),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return BulkResult{}, fmt.Errorf("bulk request failed: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return BulkResult{}, fmt.Errorf("decode bulk response: %w", err)
	}

	result := BulkResult{}
	for _, item := range parsed.Items {
		if item.Index.Status >= 200 && item.Index.Status < 300 {
			result.Accepted++
			continue
		}
		rej := Rejection{
			ID:     item.Index.ID,
			Status: item.Index.Status,
		}
		if item.Index.Error != nil {
			rej.Reason = fmt.Sprintf("%s: %s", item.Index.Error.Type, item.Index.Error.Reason)
		}
		result.Rejections = append(result.Rejections, rej)
	}
	return result, nil
}

type countResponse struct {
	Count int64 `json:"count"`
}

// Count returns the searchable document count for the configured index.
func (s *OpenSearchSink) Count(ctx context.Context) (int64, error) {
	req := opensearchapi.CountRequest{
		Index: []string{s.index},
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return 0, fmt.Errorf("count request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return 0, fmt.Errorf("count request failed: %s", res.String())
	}

	var parsed countResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return parsed.Count, nil
}
