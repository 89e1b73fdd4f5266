package bitrate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic dwell tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSustainedStarvationDecreasesOnceAfterDwell(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{
		Kp:           -1_500_000,
		Ki:           -100_000,
		TargetBuffer: 0.75,
		MinDwell:     5 * time.Second,
	}
	p := NewPID(cfg, ladder, 2).WithNowFunc(clock.Now)

	changes := 0
	for i := 0; i < 3; i++ {
		clock.Advance(3 * time.Second)
		achieved := float64(ladder.Bitrate(p.CurrentRung()))
		prop := p.Tick(0.30, achieved)
		assert.Less(t, prop.TargetRung, prop.CurrentRung, "tick %d should want a lower rung", i)
		if prop.ShouldChange {
			p.Commit(prop.TargetRung)
			changes++
		}
	}

	// The controller wants down on every tick, but the dwell window allows
	// only one committed decrease across the three ticks.
	assert.Equal(t, 1, changes)
	assert.Equal(t, 1, p.CurrentRung())
}

func TestOscillatingErrorChangesAtMostOncePerDwell(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{
		Kp:           -3_000_000,
		TargetBuffer: 0.75,
		MinDwell:     5 * time.Second,
	}
	p := NewPID(cfg, ladder, 2).WithNowFunc(clock.Now)

	// Buffer fill flapping around the setpoint flips the target rung
	// between 1 and 2 on alternating ticks.
	var commits []time.Time
	for i := 0; i < 12; i++ {
		clock.Advance(1 * time.Second)
		buffer := 0.55
		if i%2 == 1 {
			buffer = 0.95
		}
		prop := p.Tick(buffer, 2_000_000)
		if prop.ShouldChange {
			p.Commit(prop.TargetRung)
			commits = append(commits, clock.Now())
		}
	}

	require.Len(t, commits, 2)
	for i := 1; i < len(commits); i++ {
		assert.GreaterOrEqual(t, commits[i].Sub(commits[i-1]), cfg.MinDwell,
			"rung changes must be at least one dwell apart")
	}
}

func TestSevereStarvationBypassesDwell(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{
		Kp:           -15_000_000,
		TargetBuffer: 0.75,
		MinDwell:     10 * time.Second,
	}
	p := NewPID(cfg, ladder, 4).WithNowFunc(clock.Now)

	// No time has passed since creation, but a multi-rung drop is an
	// emergency and skips the dwell window.
	prop := p.Tick(0.0, 8_000_000)
	assert.Equal(t, 0, prop.TargetRung)
	assert.True(t, prop.ShouldChange)
	assert.Equal(t, -1, prop.Direction())
}

func TestMultiRungIncreaseStillWaitsForDwell(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{
		Kp:           -10_000_000,
		TargetBuffer: 0.75,
		MinDwell:     10 * time.Second,
	}
	p := NewPID(cfg, ladder, 0).WithNowFunc(clock.Now)

	// Overfull buffer asks for a jump of two rungs; upward moves never
	// bypass the dwell window.
	prop := p.Tick(0.95, 500_000)
	assert.Equal(t, 2, prop.TargetRung)
	assert.False(t, prop.ShouldChange)
	assert.Equal(t, 1, prop.Direction())
}

func TestIntegralAntiWindup(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{
		Ki:            -1_000_000,
		TargetBuffer:  0.75,
		IntegralLimit: 1.0,
		MinDwell:      time.Second,
	}
	p := NewPID(cfg, ladder, 2).WithNowFunc(clock.Now)

	p.Tick(0.30, 2_000_000)

	// Sustained error over long intervals saturates the integral term at
	// the clamp instead of growing without bound.
	clock.Advance(10 * time.Second)
	prop := p.Tick(0.30, 2_000_000)
	assert.InDelta(t, 1_000_000, prop.RawBitrate, 1)

	clock.Advance(10 * time.Second)
	prop = p.Tick(0.30, 2_000_000)
	assert.InDelta(t, 1_000_000, prop.RawBitrate, 1)
}

func TestForceDegradeStepsDownAtDwellPace(t *testing.T) {
	clock := newFakeClock()
	ladder := MustLadder(DefaultRungs)
	cfg := PIDConfig{TargetBuffer: 0.75, MinDwell: 5 * time.Second}
	p := NewPID(cfg, ladder, 2).WithNowFunc(clock.Now)

	// Fresh session: dwell has not elapsed yet.
	prop := p.ForceDegrade()
	assert.Equal(t, 1, prop.TargetRung)
	assert.False(t, prop.ShouldChange)

	clock.Advance(6 * time.Second)
	prop = p.ForceDegrade()
	require.True(t, prop.ShouldChange)
	p.Commit(prop.TargetRung)
	assert.Equal(t, 1, p.CurrentRung())

	// Dwell restarts after the commit.
	clock.Advance(1 * time.Second)
	assert.False(t, p.ForceDegrade().ShouldChange)

	clock.Advance(6 * time.Second)
	prop = p.ForceDegrade()
	require.True(t, prop.ShouldChange)
	p.Commit(prop.TargetRung)
	assert.Equal(t, 0, p.CurrentRung())

	// Already at the floor: nothing left to shed.
	clock.Advance(10 * time.Second)
	prop = p.ForceDegrade()
	assert.Equal(t, 0, prop.TargetRung)
	assert.False(t, prop.ShouldChange)
}

func TestCommitClampsRung(t *testing.T) {
	ladder := MustLadder(DefaultRungs)
	p := NewPID(PIDConfig{TargetBuffer: 0.75}, ladder, 2)

	p.Commit(100)
	assert.Equal(t, ladder.Len()-1, p.CurrentRung())

	p.Commit(-3)
	assert.Equal(t, 0, p.CurrentRung())
}
