// Package breaker implements the circuit breaker pattern for the external
// dependencies streamgate calls: the transcoder process and the media
// library index. It stops hammering a failing dependency for a cooldown
// period while allowing automatic recovery detection.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen allows a single probe call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call
// without invoking the wrapped dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// opening the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// CallTimeout bounds each wrapped call. Zero disables the per-call
	// deadline.
	CallTimeout time.Duration
	// Classifier reports whether an error counts as a dependency failure.
	// Nil means every non-nil error counts. An intentional stop of a
	// transcode process returns an error that must not trip the breaker.
	Classifier func(error) bool
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern around one dependency.
type Breaker struct {
	config Config
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// New creates a circuit breaker in the closed state.
func New(config Config) *Breaker {
	return NewAt(config, time.Now)
}

// NewAt creates a circuit breaker with an injectable clock. Used in tests.
func NewAt(config Config, now func() time.Time) *Breaker {
	return &Breaker{
		config: config,
		now:    now,
		state:  StateClosed,
	}
}

// State returns the current circuit state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked resolves Open -> HalfOpen once the cooldown has elapsed.
// Must be called with the mutex held.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn through the circuit breaker. In the open state it fails
// fast with ErrCircuitOpen. In the half-open state exactly one probe is
// admitted at a time; concurrent callers fail fast until the probe
// resolves. Each admitted call runs under the configured call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	callErr := fn(ctx)
	// A call that outlived its deadline is a dependency failure even if
	// the wrapped function swallowed the context error.
	if callErr == nil && ctx.Err() != nil {
		callErr = ctx.Err()
	}
	b.settle(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed and whether it is a half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, callErr error) {
	failed := callErr != nil
	if failed && b.config.Classifier != nil {
		failed = b.config.Classifier(callErr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if failed {
			b.transitionLocked(StateOpen)
		} else {
			b.transitionLocked(StateClosed)
		}
		return
	}

	if !failed {
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.config.FailureThreshold {
		b.transitionLocked(StateOpen)
	}
}

// transitionLocked changes the circuit state. Must be called with the
// mutex held. Re-opening from half-open records a fresh openedAt so the
// full cooldown applies again.
func (b *Breaker) transitionLocked(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}

	b.state = newState
	switch newState {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeInFlight = false
	}

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Stats returns current circuit breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:               b.stateLocked().String(),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}
