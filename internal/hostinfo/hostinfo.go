// Package hostinfo reports resource usage of the machine running the extractor.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of the host
type Snapshot struct {
	Hostname        string  `json:"hostname"`
	CPUCores        int     `json:"cpu_cores"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsed      uint64  `json:"memory_used_bytes"`
	MemoryAvailable uint64  `json:"memory_available_bytes"`
	Goroutines      int     `json:"goroutines"`
}

// Collect samples the host. Fields that cannot be read are left at zero.
func Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	s.Hostname, _ = os.Hostname()

	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryUsed = vmem.Used
		s.MemoryAvailable = vmem.Available
	}
	return s
}
