package transcode

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats holds resource usage for a running transcode process.
type ProcessStats struct {
	PID            int       `json:"pid"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSSBytes uint64    `json:"memory_rss_bytes"`
	StartedAt      time.Time `json:"started_at"`
}

// collectStats samples CPU and RSS for the given PID. Failures are
// reported as zero stats; the process may have exited between the caller's
// check and the sample.
func collectStats(ctx context.Context, pid int, startedAt time.Time) ProcessStats {
	stats := ProcessStats{PID: pid, StartedAt: startedAt}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats
	}

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSSBytes = mem.RSS
	}
	return stats
}
