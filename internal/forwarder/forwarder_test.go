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
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/events"
	"github.com/cardinalhq/logflume/internal/queue"
	"github.com/cardinalhq/logflume/internal/sink"
)

// fakeQueue is an in-memory at-least-once queue with visibility timeouts.
type fakeQueue struct {
	mu             sync.Mutex
	msgs           []*fakeQueueMessage
	visibility     time.Duration
	outages        int // Receive calls that fail before recovery
	nextHandle     int
	maxOutstanding int
	extensions     int // successful ChangeVisibility calls
}

type fakeQueueMessage struct {
	id        string
	body      []byte
	handle    string
	visibleAt time.Time
	receives  int
	deleted   bool
}

func newFakeQueue(visibility time.Duration) *fakeQueue {
	return &fakeQueue{visibility: visibility}
}

func (q *fakeQueue) push(id string, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, &fakeQueueMessage{id: id, body: body})
}

func (q *fakeQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	if q.outages > 0 {
		q.outages--
		q.mu.Unlock()
		return nil, errors.New("queue unavailable")
	}

	now := time.Now()
	var out []queue.Message
	for _, m := range q.msgs {
		if len(out) >= max {
			break
		}
		if m.deleted || now.Before(m.visibleAt) {
			continue
		}
		m.receives++
		m.visibleAt = now.Add(q.visibility)
		q.nextHandle++
		m.handle = fmt.Sprintf("rh-%d", q.nextHandle)
		out = append(out, queue.Message{
			ID:            m.id,
			ReceiptHandle: m.handle,
			Body:          m.body,
			ReceiveCount:  m.receives,
		})
	}

	outstanding := 0
	for _, m := range q.msgs {
		if !m.deleted && now.Before(m.visibleAt.Add(time.Nanosecond)) && m.receives > 0 {
			outstanding++
		}
	}
	if outstanding > q.maxOutstanding {
		q.maxOutstanding = outstanding
	}
	q.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.handle == receiptHandle && !m.deleted {
			m.deleted = true
			return nil
		}
	}
	return errors.New("unknown receipt handle")
}

func (q *fakeQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.handle == receiptHandle && !m.deleted {
			m.visibleAt = time.Now().Add(timeout)
			q.extensions++
			return nil
		}
	}
	return errors.New("unknown receipt handle")
}

func (q *fakeQueue) extensionCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.extensions
}

func (q *fakeQueue) deleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.id == id {
			return m.deleted
		}
	}
	return false
}

func (q *fakeQueue) allDeleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if !m.deleted {
			return false
		}
	}
	return true
}

type fakeDeadLetterer struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (d *fakeDeadLetterer) SendDead(ctx context.Context, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bodies = append(d.bodies, body)
	return nil
}

func (d *fakeDeadLetterer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

// fakeStore serves objects from memory, writing them to temp files the way
// the S3 client does.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) put(bucket, key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = body
}

func (s *fakeStore) DownloadObject(ctx context.Context, tmpdir, bucket, key string) (string, int64, bool, error) {
	s.mu.Lock()
	body, ok := s.objects[bucket+"/"+key]
	s.mu.Unlock()
	if !ok {
		return "", 0, true, nil
	}
	f, err := os.CreateTemp(tmpdir, "obj-*")
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(body); err != nil {
		return "", 0, false, err
	}
	return f.Name(), int64(len(body)), false, nil
}

func (s *fakeStore) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	body, err := os.ReadFile(sourceFilename)
	if err != nil {
		return err
	}
	s.put(bucket, key, body)
	return nil
}

func (s *fakeStore) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(rest, prefix) {
			keys = append(keys, rest)
		}
	}
	return keys, nil
}

func (s *fakeStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	return nil
}

// fakeSink keeps accepted documents by id so duplicate forwards overwrite
// rather than accumulate, matching the idempotent downstream contract.
type fakeSink struct {
	mu        sync.Mutex
	docs      map[string][]byte
	rejectIDs map[string]bool // per-document rejections
	failures  int             // whole-request failures before recovery
	delay     time.Duration   // per-request latency
	bulkCalls int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		docs:      make(map[string][]byte),
		rejectIDs: make(map[string]bool),
	}
}

func (s *fakeSink) Bulk(ctx context.Context, docs []sink.Document) (sink.BulkResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.failures > 0 {
		s.failures--
		return sink.BulkResult{}, errors.New("sink unavailable")
	}

	var result sink.BulkResult
	for _, doc := range docs {
		if s.rejectIDs[doc.ID] {
			result.Rejections = append(result.Rejections, sink.Rejection{
				ID:     doc.ID,
				Status: 400,
				Reason: "mapper_parsing_exception",
			})
			continue
		}
		s.docs[doc.ID] = doc.Source
		result.Accepted++
	}
	return result, nil
}

func (s *fakeSink) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.docs)), nil
}

func (s *fakeSink) docCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

func eventFor(bucket, key string) events.ObjectEvent {
	return events.ObjectEvent{Bucket: bucket, Key: key}
}

func writeGzipFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func notificationBody(bucket, key string) []byte {
	return fmt.Appendf(nil,
		`{"Records":[{"eventName":"ObjectCreated:Put","eventTime":"2026-08-23T10:00:00.000Z","s3":{"bucket":{"name":%q},"object":{"key":%q,"size":123}}}]}`,
		bucket, key)
}

func testForwarderConfig() config.ForwarderConfig {
	cfg := config.Default().Forwarder
	cfg.QueueURL = "https://sqs.test/queue"
	cfg.FetchAttempts = 2
	cfg.FetchBackoff = time.Millisecond
	cfg.ForwardAttempts = 2
	cfg.ForwardBackoff = time.Millisecond
	cfg.MaxFetchLatency = time.Second
	cfg.MaxForwardLatency = time.Second
	return cfg
}

func newTestForwarder(t *testing.T, cfg config.ForwarderConfig, q queue.Queue, store *fakeStore, snk sink.Sink, opts ...Option) *Forwarder {
	t.Helper()
	opts = append(opts, WithTempDir(t.TempDir()))
	return New(cfg, q, store, snk, opts...)
}

func TestProcessMessageForwardsAndAcks(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"+`{"msg":"two"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, testForwarderConfig(), q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.processMessage(context.Background(), msgs[0])

	assert.True(t, q.deleted("m1"), "message should be acknowledged")
	assert.Equal(t, 2, snk.docCount())
	assert.Contains(t, snk.docs, sink.DocumentID("logs", "logs-raw/a.ndjson", 0))

	snap := f.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Acked)
	assert.Equal(t, int64(2), snap.RecordsForwarded)
}

func TestNoAckWhenSinkUnavailable(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()
	snk.failures = 100 // outlasts the retry budget

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, testForwarderConfig(), q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.False(t, q.deleted("m1"), "message must stay queued for redelivery")
	assert.Equal(t, 0, snk.docCount())
	assert.Equal(t, int64(0), f.Stats().Snapshot().Acked)
	assert.Equal(t, int64(1), f.Stats().Snapshot().Dead)
}

func TestRedeliveryOverwritesSameDocuments(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()

	cfg := testForwarderConfig()
	cfg.DedupTTL = 0 // force the full delivery path on every receive

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"+`{"msg":"two"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, cfg, q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])
	f.processMessage(context.Background(), msgs[0])

	// identical ids on the second pass, so no duplicate documents downstream
	assert.Equal(t, 2, snk.docCount())
	assert.Equal(t, int64(4), f.Stats().Snapshot().RecordsForwarded)
}

func TestDedupSkipsRecentlyDeliveredObject(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))
	q.push("m2", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, testForwarderConfig(), q, store, snk)
	msgs, err := q.Receive(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	f.processMessage(context.Background(), msgs[0])
	callsAfterFirst := snk.calls()
	f.processMessage(context.Background(), msgs[1])

	assert.Equal(t, callsAfterFirst, snk.calls(), "duplicate should not reach the sink")
	assert.True(t, q.deleted("m2"), "duplicate is still acknowledged")
	assert.Equal(t, int64(1), f.Stats().Snapshot().Skipped)
}

func TestTestEventAcknowledged(t *testing.T) {
	q := newFakeQueue(time.Minute)
	q.push("m1", []byte(`{"Event":"s3:TestEvent","Bucket":"logs"}`))

	f := newTestForwarder(t, testForwarderConfig(), q, newFakeStore(), newFakeSink())
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.True(t, q.deleted("m1"))
	assert.Equal(t, int64(1), f.Stats().Snapshot().Skipped)
}

func TestMalformedPayloadDeadLettered(t *testing.T) {
	q := newFakeQueue(time.Minute)
	dlq := &fakeDeadLetterer{}
	q.push("m1", []byte(`{not json`))

	f := newTestForwarder(t, testForwarderConfig(), q, newFakeStore(), newFakeSink(),
		WithDeadLetterer(dlq))
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.Equal(t, 1, dlq.count())
	assert.True(t, q.deleted("m1"), "dead-lettered message is removed from the main queue")
	assert.Equal(t, int64(1), f.Stats().Snapshot().Dead)
}

func TestMalformedPayloadWithoutDeadLetterQueue(t *testing.T) {
	q := newFakeQueue(time.Minute)
	q.push("m1", []byte(`{not json`))

	f := newTestForwarder(t, testForwarderConfig(), q, newFakeStore(), newFakeSink())
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.False(t, q.deleted("m1"), "without a dead-letter path the message is left to expire")
	assert.Equal(t, int64(1), f.Stats().Snapshot().Dead)
}

func TestMissingObjectMarkedDead(t *testing.T) {
	q := newFakeQueue(time.Minute)
	dlq := &fakeDeadLetterer{}
	q.push("m1", notificationBody("logs", "logs-raw/never-uploaded.ndjson"))

	f := newTestForwarder(t, testForwarderConfig(), q, newFakeStore(), newFakeSink(),
		WithDeadLetterer(dlq))
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.Equal(t, 1, dlq.count())
	assert.True(t, q.deleted("m1"))
	assert.Equal(t, int64(1), f.Stats().Snapshot().Dead)
}

func TestRejectedRecordRetriedThenDropped(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"good"}`+"\n"+`{"msg":"poison"}`+"\n"))
	poisonID := sink.DocumentID("logs", "logs-raw/a.ndjson", int64(len(`{"msg":"good"}`)+1))
	snk.rejectIDs[poisonID] = true
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, testForwarderConfig(), q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.True(t, q.deleted("m1"), "message is acknowledged once every record is terminal")
	assert.Equal(t, 1, snk.docCount())
	snap := f.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.RecordsForwarded)
	assert.Equal(t, int64(1), snap.RecordsDropped)
}

func TestPlainTextRecordsWrapped(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()

	store.put("logs", "logs-raw/plain.log", []byte("not json at all\n"))
	q.push("m1", notificationBody("logs", "logs-raw/plain.log"))

	f := newTestForwarder(t, testForwarderConfig(), q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	id := sink.DocumentID("logs", "logs-raw/plain.log", 0)
	require.Contains(t, snk.docs, id)
	assert.JSONEq(t, `{"message":"not json at all"}`, string(snk.docs[id]))
}

func TestForwardRetryPacedByForwardBackoff(t *testing.T) {
	q := newFakeQueue(time.Minute)
	store := newFakeStore()
	snk := newFakeSink()
	snk.failures = 1

	cfg := testForwarderConfig()
	cfg.FetchBackoff = 5 * time.Second // must not pace forward retries

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, cfg, q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	start := time.Now()
	f.processMessage(context.Background(), msgs[0])

	assert.Less(t, time.Since(start), time.Second,
		"forward retry delay should come from forward_backoff")
	assert.True(t, q.deleted("m1"))
	assert.Equal(t, 1, snk.docCount())
}

func TestSlowDeliveryExtendsVisibility(t *testing.T) {
	q := newFakeQueue(40 * time.Millisecond)
	store := newFakeStore()
	snk := newFakeSink()
	snk.delay = 150 * time.Millisecond

	cfg := testForwarderConfig()
	cfg.VisibilityTimeout = 40 * time.Millisecond

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, cfg, q, store, snk)
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)

	f.processMessage(context.Background(), msgs[0])

	assert.True(t, q.deleted("m1"))
	assert.GreaterOrEqual(t, q.extensionCount(), 1,
		"visibility must be extended while delivery outruns the base deadline")
}

func TestRunDrainsQueueWithinBackpressureBound(t *testing.T) {
	q := newFakeQueue(5 * time.Second)
	store := newFakeStore()
	snk := newFakeSink()

	cfg := testForwarderConfig()
	cfg.Workers = 2
	cfg.ReceiveBatchSize = 3

	const objects = 10
	const recordsPerObject = 20
	for i := 0; i < objects; i++ {
		key := fmt.Sprintf("logs-raw/obj-%02d.ndjson", i)
		var sb strings.Builder
		for r := 0; r < recordsPerObject; r++ {
			fmt.Fprintf(&sb, `{"object":%d,"record":%d}`+"\n", i, r)
		}
		store.put("logs", key, []byte(sb.String()))
		q.push(fmt.Sprintf("m%d", i), notificationBody("logs", key))
	}

	f := newTestForwarder(t, cfg, q, store, snk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, q.allDeleted, 5*time.Second, 10*time.Millisecond,
		"every message should be acknowledged")
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, objects*recordsPerObject, snk.docCount())
	assert.LessOrEqual(t, q.maxOutstanding, cfg.Workers*cfg.ReceiveBatchSize,
		"in-flight messages bounded by workers times batch size")
	assert.Equal(t, int64(0), f.Stats().InFlight())
}

func TestRunRecoversFromQueueOutage(t *testing.T) {
	q := newFakeQueue(5 * time.Second)
	store := newFakeStore()
	snk := newFakeSink()

	cfg := testForwarderConfig()
	cfg.Workers = 2 // the second worker keeps draining while the first backs off
	q.outages = 1

	store.put("logs", "logs-raw/a.ndjson", []byte(`{"msg":"one"}`+"\n"))
	q.push("m1", notificationBody("logs", "logs-raw/a.ndjson"))

	f := newTestForwarder(t, cfg, q, store, snk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return q.deleted("m1") }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, snk.docCount())
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newFakeQueue(5 * time.Second)
	f := newTestForwarder(t, testForwarderConfig(), q, newFakeStore(), newFakeSink())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestBuildDocumentsGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj.gz")
	writeGzipFile(t, path, `{"msg":"one"}`+"\n"+`{"msg":"two"}`+"\n")

	docs, err := buildDocuments(path, eventFor("logs", "logs-raw/a.ndjson.gz"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, sink.DocumentID("logs", "logs-raw/a.ndjson.gz", 0), docs[0].ID)
	assert.JSONEq(t, `{"msg":"one"}`, string(docs[0].Source))
}

func TestBuildDocumentsSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("\n"+`{"msg":"one"}`+"\n\n"), 0o644))

	docs, err := buildDocuments(path, eventFor("logs", "logs-raw/a.ndjson"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, sink.DocumentID("logs", "logs-raw/a.ndjson", 1), docs[0].ID)
}
