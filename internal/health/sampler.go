package health

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample is one reading of this process's resource usage.
type ProcessSample struct {
	CPUPercent    float64
	MemoryPercent float64
	RSSBytes      uint64
}

// ProcessSampler reads resource usage for the current process.
type ProcessSampler interface {
	Sample() (ProcessSample, error)
}

type gopsutilSampler struct {
	proc *process.Process
}

// NewProcessSampler returns a sampler backed by the OS process table.
func NewProcessSampler() (ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", os.Getpid(), err)
	}
	return &gopsutilSampler{proc: proc}, nil
}

func (s *gopsutilSampler) Sample() (ProcessSample, error) {
	var sample ProcessSample

	// CPU percent is computed against the previous call, so the first
	// reading after startup is 0.
	cpuPct, err := s.proc.Percent(0)
	if err != nil {
		return sample, fmt.Errorf("cpu percent: %w", err)
	}
	sample.CPUPercent = cpuPct

	if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
		sample.RSSBytes = info.RSS
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return sample, fmt.Errorf("virtual memory: %w", err)
	}
	if vm.Total > 0 && sample.RSSBytes > 0 {
		sample.MemoryPercent = float64(sample.RSSBytes) / float64(vm.Total) * 100
	}
	return sample, nil
}
