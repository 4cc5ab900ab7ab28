package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-stock/pkg/infra"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
)

const (
	// CPUSampleWindow is the wall-clock span over which process CPU time is compared
	CPUSampleWindow = 500 * time.Millisecond

	historySize = 60

	// unknownDatabaseLoad is assumed when the count query fails
	unknownDatabaseLoad = 50
)

// RecordCounter is the cheap cardinality query used as a database load proxy
type RecordCounter interface {
	Count(ctx context.Context) (int, error)
}

// Sample is one entry of the rolling CPU/memory history
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
}

// Assessment is one full evaluation of the load signals
type Assessment struct {
	Signals
	Multiplier float64
	Delay      time.Duration
	HighLoad   bool
}

// LoadMonitor samples the host process and the source database and recommends a polling delay
type LoadMonitor struct {
	policy       Policy
	cpuThreshold float64
	sampler      Sampler
	counter      RecordCounter
	logger       *slog.Logger
	window       time.Duration
	numCPU       int
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time

	mu        sync.Mutex
	cpuHist   []Sample
	memHist   []Sample
	lastCPU   float64
	hasSample bool
}

func NewLoadMonitor(policy Policy, cpuThreshold float64, sampler Sampler, counter RecordCounter, logger *slog.Logger) *LoadMonitor {
	if sampler == nil {
		sampler = ProcSampler{}
	}
	return &LoadMonitor{
		policy:       policy,
		cpuThreshold: cpuThreshold,
		sampler:      sampler,
		counter:      counter,
		logger:       logger,
		window:       CPUSampleWindow,
		numCPU:       max(runtime.NumCPU(), 1),
		sleep:        infra.Sleep,
		now:          time.Now,
	}
}

// CPUUsagePercent compares process CPU time across the sampling window.
// Any measurement failure yields 0
func (m *LoadMonitor) CPUUsagePercent(ctx context.Context) float64 {
	before, err := m.sampler.CPUTime()
	if err != nil {
		m.logger.Debug("CPU sample failed", "error", err)
		return 0
	}
	wallStart := m.now()

	if err := m.sleep(ctx, m.window); err != nil {
		return 0
	}

	after, err := m.sampler.CPUTime()
	if err != nil {
		m.logger.Debug("CPU sample failed", "error", err)
		return 0
	}

	wall := m.now().Sub(wallStart)
	if wall <= 0 {
		wall = m.window
	}

	pct := float64(after-before) / float64(wall) / float64(m.numCPU) * 100
	pct = min(max(pct, 0), 100)

	m.remember(&m.cpuHist, Sample{At: m.now(), CPUPercent: pct})
	m.mu.Lock()
	m.lastCPU = pct
	m.hasSample = true
	m.mu.Unlock()

	metrics.ProcessCPU.Set(pct)
	return pct
}

// MemoryUsageMB is the current resident memory. Failures yield 0
func (m *LoadMonitor) MemoryUsageMB() float64 {
	rss, err := m.sampler.ResidentMemory()
	if err != nil {
		m.logger.Debug("Memory sample failed", "error", err)
		return 0
	}
	mb := float64(rss) / (1024 * 1024)

	m.remember(&m.memHist, Sample{At: m.now(), MemoryMB: mb})
	metrics.ProcessMemory.Set(mb)
	return mb
}

// DatabaseLoadEstimate maps the active item count to 20/40/70/90, or 50 when the count fails
func (m *LoadMonitor) DatabaseLoadEstimate(ctx context.Context) float64 {
	if m.counter == nil {
		return unknownDatabaseLoad
	}
	n, err := m.counter.Count(ctx)
	if err != nil {
		m.logger.Warn("Record count unavailable, assuming medium database load", "error", err)
		return unknownDatabaseLoad
	}
	return DatabaseLoadFromCount(n)
}

// IsUnderHighLoad reports whether CPU or memory is above its configured threshold
func (m *LoadMonitor) IsUnderHighLoad(ctx context.Context) bool {
	return m.isHigh(m.CPUUsagePercent(ctx), m.MemoryUsageMB())
}

func (m *LoadMonitor) isHigh(cpu, memMB float64) bool {
	if m.cpuThreshold > 0 && cpu > m.cpuThreshold {
		return true
	}
	return m.policy.MemoryThresholdMB > 0 && memMB > m.policy.MemoryThresholdMB
}

// RecommendedDelay is the base interval scaled by the current load, within [min, max]
func (m *LoadMonitor) RecommendedDelay(ctx context.Context) time.Duration {
	return m.Assess(ctx).Delay
}

// Assess samples every signal once and derives the delay from them
func (m *LoadMonitor) Assess(ctx context.Context) Assessment {
	s := Signals{
		CPUPercent:   m.CPUUsagePercent(ctx),
		MemoryMB:     m.MemoryUsageMB(),
		DatabaseLoad: m.DatabaseLoadEstimate(ctx),
	}
	a := Assessment{
		Signals:    s,
		Multiplier: m.policy.Multiplier(s),
		Delay:      m.policy.Delay(s),
		HighLoad:   m.isHigh(s.CPUPercent, s.MemoryMB),
	}

	m.logger.Debug("Load assessment",
		"cpu_percent", s.CPUPercent,
		"memory_mb", s.MemoryMB,
		"db_load", s.DatabaseLoad,
		"multiplier", a.Multiplier,
		"delay", a.Delay,
	)
	return a
}

// History returns copies of the rolling CPU and memory samples, oldest first
func (m *LoadMonitor) History() (cpu, mem []Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.cpuHist...), append([]Sample(nil), m.memHist...)
}

// LastCPU returns the most recent CPU sample without measuring again
func (m *LoadMonitor) LastCPU() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCPU, m.hasSample
}

func (m *LoadMonitor) remember(buf *[]Sample, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*buf = append(*buf, s)
	if over := len(*buf) - historySize; over > 0 {
		*buf = append((*buf)[:0], (*buf)[over:]...)
	}
}
