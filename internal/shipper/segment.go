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
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

const segmentSuffix = ".ndjson.gz"

// segmentWriter accumulates records into one gzip-compressed NDJSON
// segment file in the spool directory. The object key embeds a ULID so
// segment ids are unique and sortable by creation time.
type segmentWriter struct {
	path      string
	key       string
	file      *os.File
	gz        *gzip.Writer
	bytes     int64 // uncompressed payload bytes written
	records   int
	openedAt  time.Time
	lastMsgID uint64
}

func newSegmentWriter(spoolDir, keyPrefix, host string) (*segmentWriter, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%s%s", host, ulid.Make().String(), segmentSuffix)
	path := filepath.Join(spoolDir, name)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	return &segmentWriter{
		path:     path,
		key:      fmt.Sprintf("%s/%s/%s", keyPrefix, now.Format("2006-01-02"), name),
		file:     file,
		gz:       gzip.NewWriter(file),
		openedAt: now,
	}, nil
}

// append writes one record followed by a newline. msgID is the ledger id
// of the record, tracked so the caller can advance the durable read
// position once this segment has been uploaded.
func (s *segmentWriter) append(record []byte, msgID uint64) error {
	if _, err := s.gz.Write(record); err != nil {
		return err
	}
	if _, err := s.gz.Write([]byte{'\n'}); err != nil {
		return err
	}
	s.bytes += int64(len(record)) + 1
	s.records++
	s.lastMsgID = msgID
	return nil
}

func (s *segmentWriter) age() time.Duration {
	return time.Since(s.openedAt)
}

// seal flushes the compressed stream and closes the file, leaving it in
// the spool directory ready for upload.
func (s *segmentWriter) seal() error {
	if err := s.gz.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("close gzip stream: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}
	return nil
}

// discard abandons an empty segment.
func (s *segmentWriter) discard() {
	_ = s.gz.Close()
	_ = s.file.Close()
	_ = os.Remove(s.path)
}
