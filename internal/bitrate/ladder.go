// Package bitrate implements the per-session bitrate feedback loop: a
// discrete ladder of supported encode bitrates and a PID controller that
// maps client buffer telemetry onto ladder rungs.
package bitrate

import (
	"errors"
	"fmt"
)

// Ladder is an ascending list of supported encode bitrates in bits/sec.
// The PID controller's continuous output is quantized to the nearest rung
// so negligible changes never trigger a process restart.
type Ladder struct {
	rungs []int64
}

// DefaultRungs is the default encode ladder.
var DefaultRungs = []int64{500_000, 1_000_000, 2_000_000, 4_000_000, 8_000_000}

// NewLadder creates a ladder from ascending bitrates.
func NewLadder(rungs []int64) (*Ladder, error) {
	if len(rungs) == 0 {
		return nil, errors.New("ladder must contain at least one rung")
	}
	for i := 1; i < len(rungs); i++ {
		if rungs[i] <= rungs[i-1] {
			return nil, fmt.Errorf("ladder must be strictly ascending, rung %d (%d) <= rung %d (%d)",
				i, rungs[i], i-1, rungs[i-1])
		}
	}
	copied := make([]int64, len(rungs))
	copy(copied, rungs)
	return &Ladder{rungs: copied}, nil
}

// MustLadder is NewLadder that panics on invalid input. For defaults and tests.
func MustLadder(rungs []int64) *Ladder {
	l, err := NewLadder(rungs)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of rungs.
func (l *Ladder) Len() int {
	return len(l.rungs)
}

// Bitrate returns the bitrate of the given rung, clamping out-of-range
// indexes to the ladder edges.
func (l *Ladder) Bitrate(rung int) int64 {
	return l.rungs[l.clamp(rung)]
}

// Min returns the lowest supported bitrate.
func (l *Ladder) Min() int64 {
	return l.rungs[0]
}

// Max returns the highest supported bitrate.
func (l *Ladder) Max() int64 {
	return l.rungs[len(l.rungs)-1]
}

// InitialRung returns the starting rung for a new session: the middle of
// the ladder, leaving headroom in both directions for the controller.
func (l *Ladder) InitialRung() int {
	return len(l.rungs) / 2
}

// Quantize maps a continuous bitrate onto the nearest rung index.
func (l *Ladder) Quantize(bps float64) int {
	best := 0
	bestDist := abs(bps - float64(l.rungs[0]))
	for i := 1; i < len(l.rungs); i++ {
		if d := abs(bps - float64(l.rungs[i])); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func (l *Ladder) clamp(rung int) int {
	if rung < 0 {
		return 0
	}
	if rung >= len(l.rungs) {
		return len(l.rungs) - 1
	}
	return rung
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
