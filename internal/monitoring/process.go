package monitoring

import (
	"fmt"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time resource sample.
type ProcessStats struct {
	CPUPercent        float64
	RSS               uint64
	HostMemoryPercent float64
}

type processSampler struct {
	mu   sync.Mutex
	proc *process.Process
}

func newProcessSampler() *processSampler {
	return &processSampler{}
}

// sample reads CPU since the previous sample and current memory.
func (p *processSampler) sample() (ProcessStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return ProcessStats{}, fmt.Errorf("failed to open process: %w", err)
		}
		p.proc = proc
	}

	var stats ProcessStats
	cpu, err := p.proc.Percent(0)
	if err != nil {
		return stats, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	stats.CPUPercent = cpu

	memInfo, err := p.proc.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("failed to read memory usage: %w", err)
	}
	stats.RSS = memInfo.RSS

	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, fmt.Errorf("failed to read host memory: %w", err)
	}
	stats.HostMemoryPercent = vm.UsedPercent
	return stats, nil
}
