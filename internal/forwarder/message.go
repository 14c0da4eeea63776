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
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/logflume/internal/events"
	"github.com/cardinalhq/logflume/internal/logctx"
	"github.com/cardinalhq/logflume/internal/queue"
	"github.com/cardinalhq/logflume/internal/sink"
)

// errObjectNotFound marks a fetch that found no object; retried like a
// transient failure because creation events can outrun store consistency.
var errObjectNotFound = errors.New("object not found")

// processMessage walks one message through the state machine:
// Received -> Fetching -> Forwarding -> Acknowledged, with Dead as the
// terminal failure state. Delete (acknowledgment) is the only path that
// removes the message from the queue.
func (f *Forwarder) processMessage(ctx context.Context, msg queue.Message) {
	logger := logctx.FromContext(ctx).With(
		slog.String("messageID", msg.ID),
		slog.Int("receiveCount", msg.ReceiveCount))

	stopHeartbeat := f.extendVisibility(ctx, msg, logger)
	defer stopHeartbeat()

	evs, err := events.Parse(msg.Body)
	if err != nil {
		if errors.Is(err, events.ErrTestEvent) {
			// bucket-notification handshake, nothing to fetch
			logger.Info("Acknowledging S3 test event")
			f.stats.RecordSkipped(1)
			messagesSkipped.Add(ctx, 1)
			f.ack(msg, logger)
			return
		}
		// malformed payloads can never become parseable; retrying is pointless
		logger.Error("Malformed notification payload, marking dead",
			slog.Any("error", err))
		f.markDead(ctx, msg, logger)
		return
	}

	for _, ev := range evs {
		evLogger := logger.With(slog.String("bucket", ev.Bucket), slog.String("objectKey", ev.Key))

		if f.seenRecently(ev) {
			evLogger.Info("Duplicate notification for recently delivered object, skipping")
			f.stats.RecordSkipped(1)
			messagesSkipped.Add(ctx, 1)
			continue
		}

		if err := f.deliverObject(ctx, ev, evLogger); err != nil {
			// Transient failures have already consumed their retry budget
			// by the time they surface here, so they escalate to Dead.
			// Without a dead-letter path that still means redelivery after
			// the visibility deadline, never silent loss.
			evLogger.Error("Failed to deliver object, marking message dead",
				slog.Any("error", err),
				slog.Int("receiveCount", msg.ReceiveCount))
			f.markDead(ctx, msg, logger)
			return
		}
		f.rememberDelivered(ev)
	}

	f.ack(msg, logger)
}

// extendVisibility keeps the message invisible while retried fetch and
// forward attempts run past the base visibility deadline. The heartbeat
// stops when the returned function is called, on context cancellation,
// or on the first extension failure (after which the message simply
// becomes visible again on its own schedule).
func (f *Forwarder) extendVisibility(ctx context.Context, msg queue.Message, logger *slog.Logger) func() {
	if f.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(f.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := f.q.ChangeVisibility(hbCtx, msg.ReceiptHandle, f.cfg.VisibilityTimeout); err != nil {
					logger.Warn("Failed to extend message visibility",
						slog.Any("error", err))
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// deliverObject fetches the object and forwards all of its records. An
// error return means the object could not be conclusively delivered and
// the enclosing message must not be acknowledged.
func (f *Forwarder) deliverObject(ctx context.Context, ev events.ObjectEvent, logger *slog.Logger) error {
	filename, err := f.fetchObject(ctx, ev)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = os.Remove(filename) }()

	docs, err := buildDocuments(filename, ev)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	if len(docs) == 0 {
		logger.Info("Object contained no records")
		return nil
	}

	forwarded, err := f.forwardDocuments(ctx, docs, logger)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	f.stats.RecordForwarded(forwarded)
	recordsForwarded.Add(ctx, int64(forwarded))
	return nil
}

// fetchObject downloads the object with bounded exponential backoff.
// Not-found is retried like any transient error; when the attempt budget
// is exhausted it escalates to a persistent failure.
func (f *Forwarder) fetchObject(ctx context.Context, ev events.ObjectEvent) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.FetchBackoff

	operation := func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.MaxFetchLatency)
		defer cancel()

		filename, _, notFound, err := f.store.DownloadObject(attemptCtx, f.tmpdir, ev.Bucket, ev.Key)
		if err != nil {
			return "", err
		}
		if notFound {
			return "", errObjectNotFound
		}
		return filename, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.cfg.FetchAttempts)),
	)
}

// forwardDocuments sends documents to the sink in bulk chunks. Rejected
// documents are retried individually up to the forward attempt limit and
// then dropped with an error log entry; the object still counts as
// delivered once every record has reached a terminal state.
func (f *Forwarder) forwardDocuments(ctx context.Context, docs []sink.Document, logger *slog.Logger) (int, error) {
	accepted := 0
	var rejected []sink.Document

	for start := 0; start < len(docs); start += f.bulkSize {
		end := min(start+f.bulkSize, len(docs))
		chunk := docs[start:end]

		result, err := f.bulkWithRetry(ctx, chunk)
		if err != nil {
			return accepted, err
		}
		accepted += result.Accepted
		rejected = append(rejected, selectRejected(chunk, result.Rejections)...)
	}

	if len(rejected) == 0 {
		return accepted, nil
	}

	// Per-record retries for the rejected portion. Records that never get
	// accepted are dropped, never silently: each gets an error log entry
	// and a counter bump.
	var dropErrs *multierror.Error
	dropped := 0
	for _, doc := range rejected {
		ok := false
		for attempt := 1; attempt < f.cfg.ForwardAttempts; attempt++ {
			result, err := f.bulkWithRetry(ctx, []sink.Document{doc})
			if err != nil {
				return accepted, err
			}
			if result.Accepted == 1 {
				accepted++
				ok = true
				break
			}
		}
		if !ok {
			dropped++
			dropErrs = multierror.Append(dropErrs, fmt.Errorf("document %s rejected after %d attempts", doc.ID, f.cfg.ForwardAttempts))
		}
	}

	if dropped > 0 {
		logger.Error("Dropped records rejected by sink",
			slog.Int("dropped", dropped),
			slog.Any("error", dropErrs.ErrorOrNil()))
		f.stats.RecordDropped(dropped)
		recordsDropped.Add(ctx, int64(dropped))
	}
	return accepted, nil
}

// bulkWithRetry retries whole-request failures (transport, 5xx) with
// bounded backoff. Per-document rejections are returned to the caller.
func (f *Forwarder) bulkWithRetry(ctx context.Context, docs []sink.Document) (sink.BulkResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.ForwardBackoff

	operation := func() (sink.BulkResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.MaxForwardLatency)
		defer cancel()
		return f.sink.Bulk(attemptCtx, docs)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.cfg.ForwardAttempts)),
	)
}

// ack deletes the message from the queue. A detached context is used so
// the acknowledgment of already-forwarded work completes even when the
// main context has been cancelled.
func (f *Forwarder) ack(msg queue.Message, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := f.q.Delete(ctx, msg.ReceiptHandle); err != nil {
		// the message will be redelivered; downstream idempotence absorbs it
		logger.Error("Failed to delete message after successful forwarding",
			slog.Any("error", err))
		return
	}
	f.stats.RecordAcked(1)
	messagesAcked.Add(ctx, 1)
}

// markDead routes the message to the dead-letter path when one is
// configured; otherwise the message is left in flight to expire and
// redeliver for manual inspection.
func (f *Forwarder) markDead(ctx context.Context, msg queue.Message, logger *slog.Logger) {
	f.stats.RecordDead(1)
	messagesDead.Add(ctx, 1)

	if f.dlq == nil {
		return
	}

	dlqCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := f.dlq.SendDead(dlqCtx, msg.Body); err != nil {
		logger.Error("Failed to route message to dead-letter queue",
			slog.Any("error", err))
		return
	}
	if err := f.q.Delete(dlqCtx, msg.ReceiptHandle); err != nil {
		logger.Error("Failed to delete dead-lettered message",
			slog.Any("error", err))
	}
}

// seenRecently reports whether the object was delivered within the dedup
// window. Best effort only: correctness relies on deterministic document
// ids, not on this cache.
func (f *Forwarder) seenRecently(ev events.ObjectEvent) bool {
	if f.cfg.DedupTTL <= 0 {
		return false
	}
	return f.dedup.Get(dedupKey(ev)) != nil
}

func (f *Forwarder) rememberDelivered(ev events.ObjectEvent) {
	if f.cfg.DedupTTL <= 0 {
		return
	}
	f.dedup.Set(dedupKey(ev), time.Now(), ttlcache.DefaultTTL)
}

func dedupKey(ev events.ObjectEvent) string {
	return ev.Bucket + "/" + ev.Key
}

// buildDocuments reads the object's records and assigns each a
// deterministic document id derived from the object coordinates and the
// record's byte offset, so a redelivered object overwrites its own
// records in the sink.
func buildDocuments(filename string, ev events.ObjectEvent) ([]sink.Document, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if strings.HasSuffix(ev.Key, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	var docs []sink.Document
	var offset int64
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(line) == 0 {
			offset += lineLen
			continue
		}

		docs = append(docs, sink.Document{
			ID:     sink.DocumentID(ev.Bucket, ev.Key, offset),
			Source: documentSource(line),
		})
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return docs, nil
}

// documentSource passes JSON object records through untouched and wraps
// plain-text records in a message envelope.
func documentSource(line []byte) []byte {
	if json.Valid(line) && len(line) > 0 && line[0] == '{' {
		src := make([]byte, len(line))
		copy(src, line)
		return src
	}
	wrapped, _ := json.Marshal(map[string]string{"message": string(line)})
	return wrapped
}

// selectRejected maps bulk rejections back to their documents.
func selectRejected(chunk []sink.Document, rejections []sink.Rejection) []sink.Document {
	if len(rejections) == 0 {
		return nil
	}
	byID := make(map[string]sink.Document, len(chunk))
	for _, doc := range chunk {
		byID[doc.ID] = doc
	}
	out := make([]sink.Document, 0, len(rejections))
	for _, rej := range rejections {
		if doc, ok := byID[rej.ID]; ok {
			out = append(out, doc)
		}
	}
	return out
}
