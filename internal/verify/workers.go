package verify

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"

	"ctf-arena/internal/config"
)

// Host probes, replaced in tests.
var (
	numCPU          = runtime.NumCPU
	availableMemory = func() (uint64, error) {
		v, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return v.Available, nil
	}
)

// WorkerCount sizes the verification pool. An explicit pipeline.workers wins;
// otherwise constrained hosts get one or two workers and the rest get one per
// CPU up to MaxWorkers.
func WorkerCount(cfg config.PipelineConfig) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	limit := max(cfg.MaxWorkers, 1)

	n := numCPU()
	if avail, err := availableMemory(); err == nil {
		switch {
		case avail < 1<<30:
			n = 1
		case avail < 2<<30:
			n = min(n, 2)
		}
	}
	return max(min(n, limit), 1)
}
