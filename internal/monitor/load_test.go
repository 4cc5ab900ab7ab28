package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	cpu    []time.Duration
	rss    uint64
	cpuErr error
	memErr error
}

func (f *fakeSampler) CPUTime() (time.Duration, error) {
	if f.cpuErr != nil {
		return 0, f.cpuErr
	}
	v := f.cpu[0]
	f.cpu = f.cpu[1:]
	return v, nil
}

func (f *fakeSampler) ResidentMemory() (uint64, error) {
	return f.rss, f.memErr
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) Count(context.Context) (int, error) { return f.n, f.err }

var testPolicy = Policy{
	BaseInterval:      30 * time.Second,
	MinInterval:       10 * time.Second,
	MaxInterval:       300 * time.Second,
	MemoryThresholdMB: 1000,
}

func newTestMonitor(s Sampler, c RecordCounter) *LoadMonitor {
	m := NewLoadMonitor(testPolicy, 80, s, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	m.numCPU = 2
	return m
}

func TestPolicyScenarioCPUOnly(t *testing.T) {
	s := Signals{CPUPercent: 85, MemoryMB: 200, DatabaseLoad: 30}
	assert.InDelta(t, 2.5, testPolicy.Multiplier(s), 1e-9)
	assert.Equal(t, 75*time.Second, testPolicy.Delay(s))
}

func TestPolicyCompoundsSignals(t *testing.T) {
	s := Signals{CPUPercent: 65, MemoryMB: 850, DatabaseLoad: 70}
	// 1.5 * 1.5 * 1.5
	assert.InDelta(t, 3.375, testPolicy.Multiplier(s), 1e-9)
	assert.Equal(t, time.Duration(float64(30*time.Second)*3.375), testPolicy.Delay(s))

	worst := Signals{CPUPercent: 99, MemoryMB: 5000, DatabaseLoad: 95}
	assert.Equal(t, testPolicy.MaxInterval, testPolicy.Delay(worst))
}

func TestPolicyClampsToMinimum(t *testing.T) {
	p := testPolicy
	p.BaseInterval = time.Second
	assert.Equal(t, p.MinInterval, p.Delay(Signals{}))
}

func TestPolicyMonotonicAndBounded(t *testing.T) {
	levels := []float64{0, 20, 40, 41, 60, 61, 80, 81, 95, 100}
	mems := []float64{0, 500, 600, 601, 800, 801, 1000, 1001, 4000}

	for _, db := range levels {
		for _, mem := range mems {
			prev := time.Duration(0)
			for _, cpu := range levels {
				d := testPolicy.Delay(Signals{CPUPercent: cpu, MemoryMB: mem, DatabaseLoad: db})
				assert.GreaterOrEqual(t, d, prev, "cpu=%v mem=%v db=%v", cpu, mem, db)
				assert.GreaterOrEqual(t, d, testPolicy.MinInterval)
				assert.LessOrEqual(t, d, testPolicy.MaxInterval)
				prev = d
			}
		}
	}

	for _, cpu := range levels {
		for _, db := range levels {
			prev := time.Duration(0)
			for _, mem := range mems {
				d := testPolicy.Delay(Signals{CPUPercent: cpu, MemoryMB: mem, DatabaseLoad: db})
				assert.GreaterOrEqual(t, d, prev)
				prev = d
			}
		}
	}

	for _, cpu := range levels {
		for _, mem := range mems {
			prev := time.Duration(0)
			for _, db := range levels {
				d := testPolicy.Delay(Signals{CPUPercent: cpu, MemoryMB: mem, DatabaseLoad: db})
				assert.GreaterOrEqual(t, d, prev)
				prev = d
			}
		}
	}
}

func TestDatabaseLoadFromCount(t *testing.T) {
	assert.Equal(t, 20.0, DatabaseLoadFromCount(0))
	assert.Equal(t, 20.0, DatabaseLoadFromCount(1000))
	assert.Equal(t, 40.0, DatabaseLoadFromCount(1001))
	assert.Equal(t, 70.0, DatabaseLoadFromCount(5001))
	assert.Equal(t, 90.0, DatabaseLoadFromCount(10001))
}

func TestCPUUsagePercent(t *testing.T) {
	// 500ms of CPU over a 500ms window on 2 cores = 50%
	m := newTestMonitor(&fakeSampler{cpu: []time.Duration{time.Second, 1500 * time.Millisecond}}, nil)
	assert.InDelta(t, 50.0, m.CPUUsagePercent(context.Background()), 1e-9)

	cpu, _ := m.History()
	require.Len(t, cpu, 1)
	last, ok := m.LastCPU()
	assert.True(t, ok)
	assert.InDelta(t, 50.0, last, 1e-9)
}

func TestMeasurementFailuresYieldZero(t *testing.T) {
	broken := &fakeSampler{cpuErr: errors.New("no procfs"), memErr: errors.New("no procfs")}
	m := newTestMonitor(broken, fakeCounter{err: errors.New("db down")})

	assert.Zero(t, m.CPUUsagePercent(context.Background()))
	assert.Zero(t, m.MemoryUsageMB())
	assert.Equal(t, 50.0, m.DatabaseLoadEstimate(context.Background()))
}

func TestCPUSampleCanceled(t *testing.T) {
	m := newTestMonitor(&fakeSampler{cpu: []time.Duration{0, time.Second}}, nil)
	m.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }
	assert.Zero(t, m.CPUUsagePercent(context.Background()))
}

func TestAssessAndHighLoad(t *testing.T) {
	sampler := &fakeSampler{
		// 850ms over 500ms on 2 cores = 85%
		cpu: []time.Duration{0, 850 * time.Millisecond, 0, 850 * time.Millisecond},
		rss: 200 * 1024 * 1024,
	}
	m := newTestMonitor(sampler, fakeCounter{n: 500})

	a := m.Assess(context.Background())
	assert.InDelta(t, 85.0, a.CPUPercent, 1e-9)
	assert.InDelta(t, 200.0, a.MemoryMB, 1e-9)
	assert.Equal(t, 20.0, a.DatabaseLoad)
	assert.Equal(t, 75*time.Second, a.Delay)
	assert.True(t, a.HighLoad)

	assert.True(t, m.IsUnderHighLoad(context.Background()))
}

func TestHistoryIsBounded(t *testing.T) {
	m := newTestMonitor(&fakeSampler{rss: 1024 * 1024}, nil)
	for i := 0; i < historySize+15; i++ {
		m.MemoryUsageMB()
	}
	_, mem := m.History()
	assert.Len(t, mem, historySize)
}
