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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentIDDeterministic(t *testing.T) {
	a := DocumentID("logs-bucket", "logs-raw/2024-01-01/app.ndjson.gz", 0)
	b := DocumentID("logs-bucket", "logs-raw/2024-01-01/app.ndjson.gz", 0)
	assert.Equal(t, a, b, "same coordinates must produce the same id")
	assert.Len(t, a, 16)
}

func TestDocumentIDDistinct(t *testing.T) {
	base := DocumentID("bucket", "key", 0)

	assert.NotEqual(t, base, DocumentID("bucket", "key", 1), "offset must distinguish records")
	assert.NotEqual(t, base, DocumentID("bucket", "other", 0), "key must distinguish records")
	assert.NotEqual(t, base, DocumentID("other", "key", 0), "bucket must distinguish records")
}

func TestDocumentIDNoSeparatorCollision(t *testing.T) {
	// bucket/key boundary is part of the hash input
	assert.NotEqual(t,
		DocumentID("a", "b/c", 0),
		DocumentID("a/b", "c", 0))
}
