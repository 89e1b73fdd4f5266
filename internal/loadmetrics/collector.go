// Package loadmetrics samples request load into a sliding window and
// computes aggregate statistics used by admission control decisions.
package loadmetrics

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
)

// Sample is a single load observation. Samples are immutable once recorded
// and are discarded implicitly when they fall outside the window.
type Sample struct {
	Timestamp time.Time
	InFlight  int
	Latency   time.Duration
	Err       bool
}

// Metrics is an aggregate view over the samples currently inside the window.
// An empty window yields zero values, which callers treat as "no load".
type Metrics struct {
	AvgLatency time.Duration `json:"avg_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	ErrorRate  float64       `json:"error_rate"`
	InFlight   int           `json:"in_flight"`
	SampleSize int           `json:"sample_size"`
	// SystemLoad is the 1-minute load average normalized by core count.
	SystemLoad float64 `json:"system_load"`
}

// Collector records load samples into a bounded ring buffer.
// Record and Snapshot are safe for concurrent use.
type Collector struct {
	mu      sync.RWMutex
	samples []Sample
	next    int
	filled  bool
	window  time.Duration

	now     func() time.Time
	sysLoad func() float64
}

// ringCapacity bounds the ring independently of the window duration so a
// burst of samples cannot grow memory without bound.
const ringCapacity = 1024

// NewCollector creates a collector whose snapshot covers the given window.
func NewCollector(window time.Duration) *Collector {
	return &Collector{
		samples: make([]Sample, ringCapacity),
		window:  window,
		now:     time.Now,
		sysLoad: normalizedSystemLoad,
	}
}

// WithNowFunc overrides the clock. Used in tests.
func (c *Collector) WithNowFunc(now func() time.Time) *Collector {
	c.now = now
	return c
}

// WithSystemLoadFunc overrides the system load probe. Used in tests.
func (c *Collector) WithSystemLoadFunc(fn func() float64) *Collector {
	c.sysLoad = fn
	return c
}

// Record appends a sample, overwriting the oldest entry when the ring is
// full. It never blocks on anything other than the collector mutex.
func (c *Collector) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}

	c.mu.Lock()
	c.samples[c.next] = s
	c.next++
	if c.next == len(c.samples) {
		c.next = 0
		c.filled = true
	}
	c.mu.Unlock()
}

// Snapshot computes aggregate metrics over samples still inside the window.
func (c *Collector) Snapshot() Metrics {
	cutoff := c.now().Add(-c.window)

	c.mu.RLock()
	limit := c.next
	if c.filled {
		limit = len(c.samples)
	}

	var (
		latencies []time.Duration
		total     time.Duration
		errs      int
		newest    Sample
	)
	for i := 0; i < limit; i++ {
		s := c.samples[i]
		if s.Timestamp.Before(cutoff) {
			continue
		}
		latencies = append(latencies, s.Latency)
		total += s.Latency
		if s.Err {
			errs++
		}
		if s.Timestamp.After(newest.Timestamp) {
			newest = s
		}
	}
	c.mu.RUnlock()

	m := Metrics{SampleSize: len(latencies)}
	if c.sysLoad != nil {
		m.SystemLoad = c.sysLoad()
	}
	if len(latencies) == 0 {
		return m
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	m.AvgLatency = total / time.Duration(len(latencies))
	m.P95Latency = latencies[p95Index(len(latencies))]
	m.ErrorRate = float64(errs) / float64(len(latencies))
	m.InFlight = newest.InFlight
	return m
}

// p95Index returns the index of the 95th percentile in a sorted slice of n items.
func p95Index(n int) int {
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// normalizedSystemLoad returns the 1-minute load average divided by core
// count. Probe failures degrade to zero rather than erroring; load is a
// hint, not a hard signal.
func normalizedSystemLoad() float64 {
	avg, err := load.Avg()
	if err != nil || avg == nil {
		return 0
	}
	cores := runtime.NumCPU()
	if cores == 0 {
		return 0
	}
	return avg.Load1 / float64(cores)
}
