package status

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector gathers process and host metrics.
type Collector struct {
	startTime time.Time
	proc      *process.Process
}

// NewCollector creates a collector for the current process.
func NewCollector() *Collector {
	c := &Collector{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// CollectProcess gathers resource usage of this process. Metrics that cannot
// be read on the current platform are left at zero.
func (c *Collector) CollectProcess() ProcessMetrics {
	m := ProcessMetrics{
		PID:           int32(os.Getpid()),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if c.proc == nil {
		return m
	}

	if pct, err := c.proc.CPUPercent(); err == nil {
		m.CPUPercent = pct
	}
	if info, err := c.proc.MemoryInfo(); err == nil {
		m.RSSMB = float64(info.RSS) / (1024 * 1024)
	}
	if n, err := c.proc.NumThreads(); err == nil {
		m.Threads = n
	}
	return m
}

// CollectHost gathers basic host identification.
func (c *Collector) CollectHost() HostInfo {
	info := HostInfo{OS: runtime.GOOS}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.UptimeSeconds = int64(h.Uptime)
	} else if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}

	if v, err := mem.VirtualMemory(); err == nil {
		info.MemoryPercent = v.UsedPercent
	}
	return info
}
