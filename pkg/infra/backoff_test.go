package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 500 * time.Millisecond
	for run := 0; run < 50; run++ {
		b := NewBackoff(base, 0, 2.0, time.Second)
		for n := 1; n <= 6; n++ {
			floor := base * time.Duration(1<<(n-1))
			d := b.Next()
			assert.GreaterOrEqual(t, d, floor, "attempt %d", n)
			assert.Less(t, d, floor+time.Second, "attempt %d", n)
		}
		assert.Equal(t, 6, b.Attempts())
	}
}

func TestBackoffCapAndReset(t *testing.T) {
	b := NewBackoff(time.Second, 4*time.Second, 2.0, 0)
	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next()}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, got)

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Next())
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
