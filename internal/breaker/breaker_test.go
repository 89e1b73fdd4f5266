package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic cooldown tests.
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

var errDependency = errors.New("dependency failed")

func failingCall(context.Context) error { return errDependency }
func healthyCall(context.Context) error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), failingCall), errDependency)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(context.Background(), failingCall), errDependency)
	assert.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	require.Error(t, b.Execute(context.Background(), failingCall))
	require.Error(t, b.Execute(context.Background(), failingCall))
	require.NoError(t, b.Execute(context.Background(), healthyCall))
	require.Error(t, b.Execute(context.Background(), failingCall))
	require.Error(t, b.Execute(context.Background(), failingCall))

	assert.Equal(t, StateClosed, b.State())
}

func TestOpenFailsFastWithoutCallingDependency(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failingCall)
	}

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Successful probe closes the circuit and resets the failure count.
	require.NoError(t, b.Execute(context.Background(), healthyCall))
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
}

func TestFailedProbeReopensWithFreshCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failingCall)
	}
	firstOpenedAt := b.Stats().OpenedAt

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), failingCall), errDependency)

	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.Stats().OpenedAt.After(firstOpenedAt))

	// The fresh cooldown applies in full.
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewAt(testConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failingCall)
	}
	clock.Advance(31 * time.Second)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		probeDone <- b.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	// A second call while the probe is in flight fails fast.
	err := b.Execute(context.Background(), healthyCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestClassifierIgnoresIntentionalStop(t *testing.T) {
	errIntentionalStop := errors.New("stopped by caller")
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Classifier = func(err error) bool {
		return !errors.Is(err, errIntentionalStop)
	}
	b := NewAt(cfg, clock.Now)

	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return errIntentionalStop
		})
		assert.ErrorIs(t, err, errIntentionalStop)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      10 * time.Millisecond,
	}
	b := New(cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig())

	transcoder := r.Get(DependencyTranscoder)
	library := r.Get(DependencyMediaLibrary)

	assert.NotSame(t, transcoder, library)
	assert.Same(t, transcoder, r.Get(DependencyTranscoder))

	for i := 0; i < 3; i++ {
		_ = transcoder.Execute(context.Background(), failingCall)
	}

	states := r.AllStates()
	assert.Equal(t, StateOpen, states[DependencyTranscoder])
	assert.Equal(t, StateClosed, states[DependencyMediaLibrary])

	stats := r.AllStats()
	assert.Equal(t, "open", stats[DependencyTranscoder].State)
}
