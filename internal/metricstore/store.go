package metricstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sample is one named numeric observation
type Sample struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Store keeps recent samples in memory, bounded by count and by age
type Store struct {
	maxSamples int
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	samples []Sample
}

func New(maxSamples int, retention time.Duration, logger *slog.Logger) *Store {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	return &Store{
		maxSamples: maxSamples,
		retention:  retention,
		logger:     logger,
		now:        time.Now,
		samples:    make([]Sample, 0, min(maxSamples, 1024)),
	}
}

// Record appends a sample, evicting the oldest ones beyond the cap
func (s *Store) Record(name string, value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, Sample{Name: name, Value: value, At: at})
	if over := len(s.samples) - s.maxSamples; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
}

// AveragesOver averages, per name, every sample taken within the last window
func (s *Store) AveragesOver(window time.Duration) map[string]float64 {
	cutoff := s.now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	acc := newAccumulator()
	for _, smp := range s.samples {
		if !smp.At.Before(cutoff) {
			acc.add(smp)
		}
	}
	return acc.averages()
}

// RecentAverages takes the last n samples overall and averages them per name
func (s *Store) RecentAverages(n int) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return map[string]float64{}
	}
	start := max(len(s.samples)-n, 0)

	acc := newAccumulator()
	for _, smp := range s.samples[start:] {
		acc.add(smp)
	}
	return acc.averages()
}

// Latest returns the most recent sample for name
func (s *Store) Latest(name string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].Name == name {
			return s.samples[i], true
		}
	}
	return Sample{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// EvictExpired drops samples older than the retention period and returns how many went
func (s *Store) EvictExpired() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.samples[:0]
	for _, smp := range s.samples {
		if !smp.At.Before(cutoff) {
			kept = append(kept, smp)
		}
	}
	removed := len(s.samples) - len(kept)
	clear(s.samples[len(kept):])
	s.samples = kept
	return removed
}

// Run evicts expired samples every interval until ctx is canceled
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				s.logger.Debug("🧹 Evicted expired metric samples", "count", n, "remaining", s.Len())
			}
		case <-ctx.Done():
			s.logger.Info("🛑 Metrics eviction stopped")
			return
		}
	}
}

type accumulator struct {
	sums   map[string]float64
	counts map[string]int
}

func newAccumulator() *accumulator {
	return &accumulator{sums: map[string]float64{}, counts: map[string]int{}}
}

func (a *accumulator) add(s Sample) {
	a.sums[s.Name] += s.Value
	a.counts[s.Name]++
}

func (a *accumulator) averages() map[string]float64 {
	out := make(map[string]float64, len(a.sums))
	for name, sum := range a.sums {
		out[name] = sum / float64(a.counts[name])
	}
	return out
}
