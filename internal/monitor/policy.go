package monitor

import "time"

// Signals are the load inputs of the delay policy
type Signals struct {
	CPUPercent   float64
	MemoryMB     float64
	DatabaseLoad float64
}

// Policy turns load signals into a polling delay
type Policy struct {
	BaseInterval      time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	MemoryThresholdMB float64
}

// Delay multiplies the base interval by one factor per signal and clamps the result.
// Factors compound, so simultaneous pressure on several signals backs off harder
// than the worst signal alone would
func (p Policy) Delay(s Signals) time.Duration {
	mult := databaseMultiplier(s.DatabaseLoad) * cpuMultiplier(s.CPUPercent) * memoryMultiplier(s.MemoryMB, p.MemoryThresholdMB)
	d := time.Duration(float64(p.BaseInterval) * mult)

	if d < p.MinInterval {
		d = p.MinInterval
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Multiplier exposes the combined factor for logging and the dashboard
func (p Policy) Multiplier(s Signals) float64 {
	return databaseMultiplier(s.DatabaseLoad) * cpuMultiplier(s.CPUPercent) * memoryMultiplier(s.MemoryMB, p.MemoryThresholdMB)
}

func cpuMultiplier(cpu float64) float64 {
	switch {
	case cpu > 80:
		return 2.5
	case cpu > 60:
		return 1.5
	case cpu > 40:
		return 1.2
	default:
		return 1
	}
}

func databaseMultiplier(load float64) float64 {
	switch {
	case load > 80:
		return 2.0
	case load > 60:
		return 1.5
	case load > 40:
		return 1.2
	default:
		return 1
	}
}

// memoryMultiplier is tiered on the ratio to the configured threshold
func memoryMultiplier(memMB, thresholdMB float64) float64 {
	if thresholdMB <= 0 {
		return 1
	}
	ratio := memMB / thresholdMB
	switch {
	case ratio > 1:
		return 2.0
	case ratio > 0.8:
		return 1.5
	case ratio > 0.6:
		return 1.2
	default:
		return 1
	}
}

// DatabaseLoadFromCount maps the catalog size to a 0-100 load estimate
func DatabaseLoadFromCount(n int) float64 {
	switch {
	case n > 10000:
		return 90
	case n > 5000:
		return 70
	case n > 1000:
		return 40
	default:
		return 20
	}
}
