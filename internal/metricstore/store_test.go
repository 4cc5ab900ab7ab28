package metricstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(max int, retention time.Duration) *Store {
	s := New(max, retention, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return t0 }
	return s
}

func TestRecordEvictsOldestBeyondCap(t *testing.T) {
	s := newTestStore(3, time.Hour)
	for i := 1; i <= 5; i++ {
		s.Record("x", float64(i), t0)
	}
	require.Equal(t, 3, s.Len())
	assert.Equal(t, map[string]float64{"x": 4}, s.RecentAverages(10))
}

func TestAveragesOver(t *testing.T) {
	s := newTestStore(100, time.Hour)
	s.Record("retrieval_ms", 1000, t0.Add(-10*time.Minute))
	s.Record("retrieval_ms", 100, t0.Add(-2*time.Minute))
	s.Record("retrieval_ms", 300, t0.Add(-time.Minute))
	s.Record("cpu_percent", 40, t0.Add(-5*time.Minute))

	got := s.AveragesOver(5 * time.Minute)
	assert.Equal(t, 200.0, got["retrieval_ms"])
	assert.Equal(t, 40.0, got["cpu_percent"])

	assert.Empty(t, s.AveragesOver(30*time.Second))
}

func TestRecentAveragesUsesOverallTail(t *testing.T) {
	s := newTestStore(100, time.Hour)
	s.Record("a", 100, t0)
	s.Record("a", 2, t0)
	s.Record("b", 10, t0)
	s.Record("a", 4, t0)

	got := s.RecentAverages(3)
	assert.Equal(t, map[string]float64{"a": 3, "b": 10}, got)
	assert.Empty(t, s.RecentAverages(0))
}

func TestEvictExpired(t *testing.T) {
	s := newTestStore(100, time.Hour)
	s.Record("a", 1, t0.Add(-2*time.Hour))
	s.Record("a", 2, t0.Add(-61*time.Minute))
	s.Record("a", 3, t0.Add(-time.Minute))

	assert.Equal(t, 2, s.EvictExpired())
	assert.Equal(t, 1, s.Len())
	latest, ok := s.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, latest.Value)

	_, ok = s.Latest("missing")
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestStore(100, time.Hour)
	s.Record("a", 1, t0.Add(-3*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentRecordAndRead(t *testing.T) {
	s := newTestStore(500, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Record("x", 1, t0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.RecentAverages(50)
				_ = s.AveragesOver(time.Minute)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, s.Len())
}
