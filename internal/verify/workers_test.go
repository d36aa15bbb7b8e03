package verify

import (
	"errors"
	"testing"

	"ctf-arena/internal/config"
)

func TestWorkerCount(t *testing.T) {
	origCPU, origMem := numCPU, availableMemory
	t.Cleanup(func() { numCPU, availableMemory = origCPU, origMem })

	const gib = 1 << 30
	tests := []struct {
		name   string
		cfg    config.PipelineConfig
		cpus   int
		avail  uint64
		memErr error
		want   int
	}{
		{"explicit wins", config.PipelineConfig{Workers: 3, MaxWorkers: 8}, 16, 64 * gib, nil, 3},
		{"tiny host", config.PipelineConfig{MaxWorkers: 8}, 16, gib / 2, nil, 1},
		{"small host", config.PipelineConfig{MaxWorkers: 8}, 16, gib + gib/2, nil, 2},
		{"small host few cpus", config.PipelineConfig{MaxWorkers: 8}, 1, gib + gib/2, nil, 1},
		{"capped", config.PipelineConfig{MaxWorkers: 8}, 32, 64 * gib, nil, 8},
		{"per cpu", config.PipelineConfig{MaxWorkers: 8}, 4, 64 * gib, nil, 4},
		{"probe failure", config.PipelineConfig{MaxWorkers: 8}, 6, 0, errors.New("no /proc"), 6},
		{"zero max", config.PipelineConfig{}, 6, 64 * gib, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			numCPU = func() int { return tt.cpus }
			availableMemory = func() (uint64, error) { return tt.avail, tt.memErr }
			if got := WorkerCount(tt.cfg); got != tt.want {
				t.Errorf("WorkerCount() = %d, want %d", got, tt.want)
			}
		})
	}
}
