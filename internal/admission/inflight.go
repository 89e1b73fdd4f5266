package admission

import "sync/atomic"

// InFlightGauge tracks the number of concurrently admitted operations.
// The limit check and increment are a single atomic step so concurrent
// callers cannot overshoot the configured maximum.
type InFlightGauge struct {
	n atomic.Int64
}

// TryAcquire increments the gauge if the current value is below max.
func (g *InFlightGauge) TryAcquire(max int) bool {
	for {
		cur := g.n.Load()
		if cur >= int64(max) {
			return false
		}
		if g.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release decrements the gauge. Releasing below zero indicates a
// double-release bug; the gauge clamps at zero rather than going negative.
func (g *InFlightGauge) Release() {
	if g.n.Add(-1) < 0 {
		g.n.Store(0)
	}
}

// Current returns the current in-flight count.
func (g *InFlightGauge) Current() int {
	return int(g.n.Load())
}
