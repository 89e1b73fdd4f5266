package bitrate

import "time"

// PIDConfig holds the controller gains and hysteresis parameters.
type PIDConfig struct {
	// Kp, Ki, Kd are the PID gains applied to the buffer error signal
	// (target - measured). Negative gains: a buffer deficit pushes the
	// output below the measured throughput.
	Kp float64
	Ki float64
	Kd float64
	// TargetBuffer is the client buffer fill setpoint (0.0-1.0).
	TargetBuffer float64
	// IntegralLimit clamps the integral accumulator (anti-windup) in
	// error-seconds. Zero uses a sensible default.
	IntegralLimit float64
	// MinDwell is the minimum time between rung changes. A single-rung
	// move inside the dwell window is suppressed; a drop of two or more
	// rungs (severe starvation) is always allowed.
	MinDwell time.Duration
}

// defaultIntegralLimit bounds the integral term to two full error-seconds.
const defaultIntegralLimit = 2.0

// Proposal is the outcome of one controller tick.
type Proposal struct {
	// CurrentRung is the rung the controller believes is active.
	CurrentRung int
	// TargetRung is the rung the controller wants active.
	TargetRung int
	// ShouldChange reports whether the caller should actuate the change.
	// False either because the rungs match or because hysteresis
	// suppressed the move.
	ShouldChange bool
	// RawBitrate is the unquantized controller output in bits/sec.
	RawBitrate float64
}

// Direction returns -1, 0 or 1 for the proposed move.
func (p Proposal) Direction() int {
	switch {
	case p.TargetRung < p.CurrentRung:
		return -1
	case p.TargetRung > p.CurrentRung:
		return 1
	default:
		return 0
	}
}

// PID is the per-session bitrate feedback controller. It is owned by the
// session's control goroutine and is not safe for concurrent use; the
// session exposes its current bitrate through its own synchronized state.
type PID struct {
	config PIDConfig
	ladder *Ladder

	integral   float64
	prevErr    float64
	hasPrev    bool
	lastUpdate time.Time
	lastChange time.Time
	current    int

	now func() time.Time
}

// NewPID creates a controller starting at the given rung.
func NewPID(config PIDConfig, ladder *Ladder, initialRung int) *PID {
	if config.IntegralLimit == 0 {
		config.IntegralLimit = defaultIntegralLimit
	}
	p := &PID{
		config:  config,
		ladder:  ladder,
		current: ladder.clamp(initialRung),
		now:     time.Now,
	}
	p.lastChange = p.now()
	return p
}

// WithNowFunc overrides the clock. Used in tests.
func (p *PID) WithNowFunc(now func() time.Time) *PID {
	p.now = now
	p.lastChange = now()
	return p
}

// CurrentRung returns the rung the controller believes is active.
func (p *PID) CurrentRung() int {
	return p.current
}

// Tick runs one control interval. bufferFill is the client buffer level
// (0.0-1.0); achievedBps is the measured delivered throughput, which
// anchors the controller output. The returned proposal has already been
// through quantization and hysteresis; the caller actuates it and calls
// Commit once the change is applied.
func (p *PID) Tick(bufferFill, achievedBps float64) Proposal {
	now := p.now()
	err := p.config.TargetBuffer - bufferFill

	dt := 0.0
	if !p.lastUpdate.IsZero() {
		dt = now.Sub(p.lastUpdate).Seconds()
	}

	// Integral with anti-windup clamp: sustained starvation must not
	// accumulate unbounded correction.
	p.integral += err * dt
	if p.integral > p.config.IntegralLimit {
		p.integral = p.config.IntegralLimit
	} else if p.integral < -p.config.IntegralLimit {
		p.integral = -p.config.IntegralLimit
	}

	derivative := 0.0
	if p.hasPrev && dt > 0 {
		derivative = (err - p.prevErr) / dt
	}

	out := achievedBps + p.config.Kp*err + p.config.Ki*p.integral + p.config.Kd*derivative
	if out < float64(p.ladder.Min()) {
		out = float64(p.ladder.Min())
	} else if out > float64(p.ladder.Max()) {
		out = float64(p.ladder.Max())
	}

	p.prevErr = err
	p.hasPrev = true
	p.lastUpdate = now

	target := p.ladder.Quantize(out)
	return Proposal{
		CurrentRung:  p.current,
		TargetRung:   target,
		ShouldChange: p.shouldChange(target, now),
		RawBitrate:   out,
	}
}

// ForceDegrade proposes stepping down one rung without telemetry input,
// used when client reports have been missing beyond the grace period.
// Dwell still applies so a silent client degrades at a bounded pace.
func (p *PID) ForceDegrade() Proposal {
	now := p.now()
	target := p.current - 1
	if target < 0 {
		target = 0
	}
	return Proposal{
		CurrentRung:  p.current,
		TargetRung:   target,
		ShouldChange: target != p.current && now.Sub(p.lastChange) >= p.config.MinDwell,
		RawBitrate:   float64(p.ladder.Bitrate(target)),
	}
}

// Commit records that the session applied the given rung. The dwell timer
// restarts from now; the integral is reset so correction accumulated at
// the old operating point does not distort the new one.
func (p *PID) Commit(rung int) {
	rung = p.ladder.clamp(rung)
	if rung == p.current {
		return
	}
	p.current = rung
	p.lastChange = p.now()
	p.integral = 0
}

// shouldChange applies quantization hysteresis: act only when the target
// rung differs and either the dwell time has elapsed or the move is a
// drop of two or more rungs.
func (p *PID) shouldChange(target int, now time.Time) bool {
	if target == p.current {
		return false
	}
	if p.current-target >= 2 {
		return true
	}
	return now.Sub(p.lastChange) >= p.config.MinDwell
}
