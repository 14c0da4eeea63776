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

// Package shipper is the producer agent: it tails local log files into a
// durable on-disk ledger, batches the spooled records into compressed
// NDJSON segments with a dual size/age rotation policy, and uploads each
// sealed segment to the object store. Progress is persisted so a restart
// resumes where the last upload left off; records of an unflushed segment
// may be shipped twice after a crash, which downstream idempotence absorbs.
package shipper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vnykmshr/ledgerq/pkg/ledgerq"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/cloudstorage"
)

const ledgerDirname = "ledger"

// Snapshot is the shipper's cumulative counter state, served on /statusz.
type Snapshot struct {
	RecordsSpooled   int64  `json:"records_spooled"`
	RecordsShipped   int64  `json:"records_shipped"`
	SegmentsUploaded int64  `json:"segments_uploaded"`
	UploadFailures   int64  `json:"upload_failures"`
	PendingRecords   uint64 `json:"pending_records"`
}

// Shipper tails source files into the ledger and drains the ledger into
// uploaded segments. All stepping methods are safe for one caller at a
// time; Snapshot may be called concurrently.
type Shipper struct {
	mu     sync.Mutex
	cfg    config.ShipperConfig
	bucket string
	store  cloudstorage.Client
	ledger *ledgerq.Queue
	state  *shipperState
	host   string
	seg    *segmentWriter

	spooled  atomic.Int64
	shipped  atomic.Int64
	uploaded atomic.Int64
	failed   atomic.Int64
}

// New opens the spool ledger and restores the persisted read position.
// The configuration must already have passed ValidateShipper.
func New(cfg config.ShipperConfig, bucket string, store cloudstorage.Client) (*Shipper, error) {
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	ledgerDir := filepath.Join(cfg.SpoolDir, ledgerDirname)
	ledger, err := ledgerq.Open(ledgerDir, ledgerq.DefaultOptions(ledgerDir))
	if err != nil {
		return nil, fmt.Errorf("open spool ledger: %w", err)
	}

	state, err := loadState(cfg.SpoolDir)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	// The ledger resets its read position to the first message on every
	// open, so restore it from our state. Seeking is impossible when the
	// ledger was fully drained (the target id is one past the end); in
	// that case DrainOnce discards replayed messages below LedgerReadID.
	if state.LedgerReadID > 0 && state.LedgerReadID < ledger.Stats().NextMessageID {
		if err := ledger.SeekToMessageID(state.LedgerReadID); err != nil {
			slog.Warn("Failed to restore ledger read position, replaying from start",
				slog.Uint64("ledgerReadID", state.LedgerReadID),
				slog.Any("error", err))
		}
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return &Shipper{
		cfg:    cfg,
		bucket: bucket,
		store:  store,
		ledger: ledger,
		state:  state,
		host:   host,
	}, nil
}

// Snapshot returns cumulative totals plus the ledger backlog.
func (s *Shipper) Snapshot() Snapshot {
	return Snapshot{
		RecordsSpooled:   s.spooled.Load(),
		RecordsShipped:   s.shipped.Load(),
		SegmentsUploaded: s.uploaded.Load(),
		UploadFailures:   s.failed.Load(),
		PendingRecords:   s.ledger.Stats().PendingMessages,
	}
}

// Run blocks until ctx is cancelled, scanning and draining on the
// configured interval. On shutdown the open segment is sealed and
// uploaded so already-spooled records are not held back until restart.
func (s *Shipper) Run(ctx context.Context) error {
	slog.Info("Starting shipper",
		slog.String("sourceDir", s.cfg.SourceDir),
		slog.String("spoolDir", s.cfg.SpoolDir),
		slog.String("bucket", s.bucket))

	if err := s.RecoverSegments(ctx); err != nil {
		slog.Warn("Failed to recover leftover segments", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.WithoutCancel(ctx)); err != nil {
				slog.Error("Failed to flush segment on shutdown", slog.Any("error", err))
			}
			err := s.Close()
			slog.Info("Shipper stopped")
			return err
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				slog.Error("Scan failed", slog.Any("error", err))
			}
			if err := s.DrainOnce(ctx); err != nil {
				slog.Error("Drain failed", slog.Any("error", err))
			}
		}
	}
}

// Close releases the spool ledger.
func (s *Shipper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg != nil {
		s.seg.discard()
		s.seg = nil
	}
	return s.ledger.Close()
}

// ScanOnce reads newly appended complete lines from every source file, in
// lexical order, into the ledger. A trailing partial line is left for the
// next scan. Truncated or replaced files restart from offset zero.
func (s *Shipper) ScanOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("read source dir: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, err := s.scanFile(entry.Name())
		if err != nil {
			return fmt.Errorf("scan %s: %w", entry.Name(), err)
		}
		total += n
	}
	if total == 0 {
		return nil
	}

	if err := s.ledger.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := saveState(s.cfg.SpoolDir, s.state); err != nil {
		return err
	}

	s.spooled.Add(int64(total))
	recordsSpooled.Add(ctx, int64(total))
	return nil
}

func (s *Shipper) scanFile(name string) (int, error) {
	path := filepath.Join(s.cfg.SourceDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	offset := s.state.Offsets[name]
	if info.Size() < offset {
		slog.Info("Source file shrank, restarting from the beginning",
			slog.String("file", name))
		offset = 0
	}
	if info.Size() == offset {
		return 0, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	count := 0
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// partial trailing line, picked up on a later scan
				break
			}
			return count, err
		}
		offset += int64(len(line))
		record := bytes.TrimRight(line, "\r\n")
		if len(record) == 0 {
			continue
		}
		if _, err := s.ledger.Enqueue(record); err != nil {
			return count, fmt.Errorf("enqueue record: %w", err)
		}
		count++
	}

	s.state.Offsets[name] = offset
	return count, nil
}

// DrainOnce moves spooled records into the open segment, rotating and
// uploading whenever the size threshold is crossed, and finally rotates
// on age so a trickle of records still gets shipped.
func (s *Shipper) DrainOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.ledger.Stats().PendingMessages > 0 {
		batch := s.cfg.BatchSize
		if pending := s.ledger.Stats().PendingMessages; uint64(batch) > pending {
			batch = int(pending)
		}
		msgs, err := s.ledger.DequeueBatch(batch)
		if err != nil {
			return fmt.Errorf("dequeue batch: %w", err)
		}

		for _, msg := range msgs {
			// already covered by an uploaded segment, replayed after a
			// restart of a fully drained ledger
			if msg.ID < s.state.LedgerReadID {
				continue
			}
			if s.seg == nil {
				seg, err := newSegmentWriter(s.cfg.SpoolDir, s.cfg.KeyPrefix, s.host)
				if err != nil {
					return err
				}
				s.seg = seg
			}
			if err := s.seg.append(msg.Payload, msg.ID); err != nil {
				return fmt.Errorf("append to segment: %w", err)
			}
			if s.seg.bytes >= s.cfg.MaxObjectBytes {
				if err := s.flushLocked(ctx); err != nil {
					return err
				}
			}
		}
	}

	if s.seg != nil && s.seg.age() >= s.cfg.MaxObjectAge {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush seals and uploads the open segment regardless of its size or age.
func (s *Shipper) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	return s.flushLocked(ctx)
}

func (s *Shipper) flushLocked(ctx context.Context) error {
	seg := s.seg
	s.seg = nil

	if seg.records == 0 {
		seg.discard()
		return nil
	}
	if err := seg.seal(); err != nil {
		return err
	}

	if err := s.upload(ctx, seg.key, seg.path); err != nil {
		// segment file stays in the spool dir for RecoverSegments or
		// manual recovery; the ledger read position is not advanced
		s.failed.Add(1)
		uploadErrors.Add(ctx, 1)
		return fmt.Errorf("upload segment %s: %w", seg.key, err)
	}

	_ = os.Remove(seg.path)
	s.state.LedgerReadID = seg.lastMsgID + 1
	if err := saveState(s.cfg.SpoolDir, s.state); err != nil {
		return err
	}

	s.shipped.Add(int64(seg.records))
	s.uploaded.Add(1)
	recordsShipped.Add(ctx, int64(seg.records))
	segmentsUploaded.Add(ctx, 1)
	slog.Info("Uploaded segment",
		slog.String("key", seg.key),
		slog.Int("records", seg.records),
		slog.Int64("bytes", seg.bytes))
	return nil
}

// RecoverSegments uploads sealed segment files left behind by a previous
// run whose uploads failed or were interrupted.
func (s *Shipper) RecoverSegments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentSuffix) {
			continue
		}
		path := filepath.Join(s.cfg.SpoolDir, entry.Name())
		key := fmt.Sprintf("%s/%s/%s", s.cfg.KeyPrefix, time.Now().UTC().Format("2006-01-02"), entry.Name())

		if err := s.upload(ctx, key, path); err != nil {
			s.failed.Add(1)
			uploadErrors.Add(ctx, 1)
			return fmt.Errorf("recover segment %s: %w", entry.Name(), err)
		}
		_ = os.Remove(path)
		s.uploaded.Add(1)
		segmentsUploaded.Add(ctx, 1)
		slog.Info("Recovered leftover segment", slog.String("key", key))
	}
	return nil
}

// upload pushes one sealed segment with bounded exponential backoff.
func (s *Shipper) upload(ctx context.Context, key, path string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.UploadBackoff

	operation := func() (struct{}, error) {
		return struct{}{}, s.store.UploadObject(ctx, s.bucket, key, path)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.UploadAttempts)),
	)
	return err
}
