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

// Package events parses object-store creation notifications into the object
// references the forwarder works on.
package events

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ObjectEvent is one object-creation event extracted from a notification
// payload. A single queue message may carry several.
type ObjectEvent struct {
	Bucket    string
	Key       string
	Size      int64
	EventTime time.Time
}

// ErrTestEvent marks the handshake message S3 sends when notifications are
// first configured on a bucket. It carries no object reference and should be
// acknowledged without further processing.
var ErrTestEvent = fmt.Errorf("s3 test event")

type s3Notification struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string `json:"eventName"`
		EventTime string `json:"eventTime"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Parse extracts object events from a raw S3 event notification body.
// A malformed body or one with no recognizable records is a persistent
// error: retrying will never make it parseable.
func Parse(raw []byte) ([]ObjectEvent, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty notification body")
	}

	var evt s3Notification
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse S3 event: %w", err)
	}

	if evt.Event == "s3:TestEvent" {
		return nil, ErrTestEvent
	}

	if len(evt.Records) == 0 {
		return nil, fmt.Errorf("notification contains no records")
	}

	out := make([]ObjectEvent, 0, len(evt.Records))
	for _, rec := range evt.Records {
		// only creation events reference a retrievable object
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}

		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape key %q: %w", rec.S3.Object.Key, err)
		}
		if strings.HasSuffix(key, "/") {
			// directory marker, nothing to fetch
			continue
		}
		if rec.S3.Bucket.Name == "" || key == "" {
			return nil, fmt.Errorf("record missing bucket or key")
		}

		ev := ObjectEvent{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
			Size:   rec.S3.Object.Size,
		}
		if rec.EventTime != "" {
			if ts, err := time.Parse(time.RFC3339, rec.EventTime); err == nil {
				ev.EventTime = ts
			}
		}
		out = append(out, ev)
	}
	return out, nil
}
