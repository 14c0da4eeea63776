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

package statuscheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countSequence serves a fixed series of counts, repeating the last one.
type countSequence struct {
	mu     sync.Mutex
	counts []int64
	idx    int
}

func (c *countSequence) Count(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[c.idx]
	if c.idx < len(c.counts)-1 {
		c.idx++
	}
	return n, nil
}

func TestWaitReturnsOnceCountStable(t *testing.T) {
	counter := &countSequence{counts: []int64{10, 50, 120, 120, 120, 120}}
	m := NewMonitor(Config{
		PollInterval: 10 * time.Millisecond,
		StableFor:    30 * time.Millisecond,
		Timeout:      2 * time.Second,
	}, counter)

	result, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), result.FinalCount)
	assert.GreaterOrEqual(t, result.Polls, 4)
}

func TestWaitTimesOutWhileCountMoves(t *testing.T) {
	var counts []int64
	for i := int64(1); i <= 1000; i++ {
		counts = append(counts, i*10)
	}
	counter := &countSequence{counts: counts}
	m := NewMonitor(Config{
		PollInterval: 5 * time.Millisecond,
		StableFor:    time.Second,
		Timeout:      100 * time.Millisecond,
	}, counter)

	_, err := m.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become quiescent")
}

func TestWaitIgnoresZeroCountStability(t *testing.T) {
	counter := &countSequence{counts: []int64{0, 0, 0, 7, 7, 7, 7}}
	m := NewMonitor(Config{
		PollInterval: 10 * time.Millisecond,
		StableFor:    25 * time.Millisecond,
		Timeout:      2 * time.Second,
	}, counter)

	result, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.FinalCount, "an empty sink is not quiescent success")
}

func TestFetchStatusFromAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/statusz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","forwarder":{"acked":5}}`))
	}))
	defer srv.Close()

	m := NewMonitor(Config{StatusURLs: []string{srv.URL}}, &countSequence{counts: []int64{1}})
	status, err := m.fetchStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, status, "forwarder")
	assert.JSONEq(t, `"healthy"`, string(status["status"]))
}
