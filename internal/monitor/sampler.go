package monitor

import (
	"time"

	"github.com/prometheus/procfs"
)

// Sampler reads raw process counters
type Sampler interface {
	// CPUTime is the total user+system CPU time consumed by the process so far
	CPUTime() (time.Duration, error)
	// ResidentMemory is the resident set size in bytes
	ResidentMemory() (uint64, error)
}

// ProcSampler reads /proc/self through procfs. On platforms without procfs every call fails,
// which the monitor reports as zero usage
type ProcSampler struct{}

func (ProcSampler) CPUTime() (time.Duration, error) {
	stat, err := selfStat()
	if err != nil {
		return 0, err
	}
	return time.Duration(stat.CPUTime() * float64(time.Second)), nil
}

func (ProcSampler) ResidentMemory() (uint64, error) {
	stat, err := selfStat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

func selfStat() (procfs.ProcStat, error) {
	p, err := procfs.Self()
	if err != nil {
		return procfs.ProcStat{}, err
	}
	return p.Stat()
}
