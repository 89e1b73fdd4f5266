package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/internal/admission"
	"github.com/streamgate/streamgate/internal/bitrate"
	"github.com/streamgate/streamgate/internal/breaker"
	"github.com/streamgate/streamgate/internal/loadmetrics"
	"github.com/streamgate/streamgate/internal/medialib"
	"github.com/streamgate/streamgate/internal/observability"
	"github.com/streamgate/streamgate/internal/transcode"
)

// stubResolver serves a fixed media catalogue.
type stubResolver struct {
	media map[string]medialib.MediaInfo
}

func (r *stubResolver) Resolve(ctx context.Context, mediaID string) (medialib.MediaInfo, error) {
	if m, ok := r.media[mediaID]; ok {
		return m, nil
	}
	return medialib.MediaInfo{}, medialib.ErrNotFound
}

func (r *stubResolver) Search(ctx context.Context, query string) ([]medialib.MediaInfo, error) {
	return nil, nil
}

// fakeProcess exits on SIGTERM; tests trigger crashes via exit.
type fakeProcess struct {
	pid  int
	done chan struct{}

	exitOnce sync.Once
	exitErr  error
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return p.exitErr }

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type fakeSpawner struct {
	mu       sync.Mutex
	failures int
	delay    time.Duration
	calls    int
	procs    []*fakeProcess
}

func (s *fakeSpawner) setDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *fakeSpawner) Spawn(ctx context.Context, path string, args []string) (transcode.Process, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("spawn refused")
	}

	p := &fakeProcess{pid: 1000 + s.calls, done: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawnCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSpawner) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.procs {
		if !p.exited() {
			n++
		}
	}
	return n
}

func (s *fakeSpawner) lastProc() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// defaultTestConfig keeps the control loop quiet: long dwell and grace so
// nothing changes unless the test drives it.
func defaultTestConfig() RegistryConfig {
	return RegistryConfig{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Minute,
		Session: Config{
			ControlInterval: 15 * time.Millisecond,
			TelemetryGrace:  10 * time.Second,
			PID: bitrate.PIDConfig{
				Kp:           -1_500_000,
				Ki:           -100_000,
				TargetBuffer: 0.75,
				MinDwell:     10 * time.Second,
			},
		},
	}
}

type testEnv struct {
	registry *Registry
	spawner  *fakeSpawner
	admit    *admission.Controller
}

func newTestEnv(t *testing.T, config RegistryConfig, maxConcurrent int) *testEnv {
	t.Helper()

	collector := loadmetrics.NewCollector(time.Minute)
	limiter := admission.NewLimiter(admission.LimiterConfig{
		GlobalRate:  1000,
		GlobalBurst: 1000,
		ClientRate:  1000,
		ClientBurst: 1000,
	})
	admit := admission.NewController(admission.ControllerConfig{
		MaxConcurrent:  maxConcurrent,
		DegradeLatency: time.Second,
		CeilingLatency: 2 * time.Second,
	}, limiter, collector)

	spawner := &fakeSpawner{}
	resolver := &stubResolver{media: map[string]medialib.MediaInfo{
		"movie-42": {
			ID:        "movie-42",
			Title:     "Example",
			SourceURI: "file:///media/movie-42.mkv",
			Duration:  90 * time.Minute,
		},
	}}

	registry := NewRegistry(config, Deps{
		Admission: admit,
		Limiter:   limiter,
		Resolver:  resolver,
		Breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
		}),
		Spawner: spawner,
		Transcode: transcode.ManagerConfig{
			FFmpegPath:    "ffmpeg",
			SpawnTimeout:  time.Second,
			StopGrace:     50 * time.Millisecond,
			RetryAttempts: 1,
			RetryBackoff:  time.Millisecond,
			OutputDir:     t.TempDir(),
		},
		Ladder:  bitrate.MustLadder(bitrate.DefaultRungs),
		Metrics: observability.NewMetrics(),
	})

	return &testEnv{registry: registry, spawner: spawner, admit: admit}
}

func TestStartAndStopSession(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)

	assert.Equal(t, StateStreaming, sess.State())
	assert.Equal(t, int64(2_000_000), sess.CurrentBitrate(), "sessions start at the middle rung")
	assert.Equal(t, 1, env.registry.Len())
	assert.Equal(t, 1, env.spawner.live())
	assert.Equal(t, 1, env.admit.InFlight())

	require.NoError(t, env.registry.StopSession(context.Background(), sess.ID()))

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, env.registry.Len())
	assert.Zero(t, env.spawner.live(), "no process may outlive its session")
	assert.Zero(t, env.admit.InFlight(), "admission slot must be released")

	_, err = env.registry.Get(sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartSessionUnknownMedia(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)

	_, err := env.registry.StartSession(context.Background(), "client-1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, medialib.ErrNotFound)
	assert.Zero(t, env.registry.Len())
	assert.Zero(t, env.admit.InFlight(), "failed start must release its slot")
}

func TestStartSessionSpawnFailure(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)
	env.spawner.failures = 100

	_, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.Error(t, err)
	assert.ErrorIs(t, err, transcode.ErrSpawnFailed)
	assert.Zero(t, env.registry.Len())
	assert.Zero(t, env.admit.InFlight())
}

func TestStartSessionBackpressure(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 1)

	_, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)

	_, err = env.registry.StartSession(context.Background(), "client-2", "movie-42")
	assert.ErrorIs(t, err, admission.ErrBackpressureExceeded)
	assert.Equal(t, 1, env.registry.Len())
}

func TestStopUnknownSession(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)

	err := env.registry.StopSession(context.Background(), "01J0000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLowBufferTelemetryDecreasesBitrate(t *testing.T) {
	config := defaultTestConfig()
	config.Session.PID.MinDwell = 30 * time.Millisecond
	env := newTestEnv(t, config, 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)
	defer func() { _ = sess.Close(context.Background()) }()

	initial := sess.CurrentBitrate()
	require.Eventually(t, func() bool {
		_ = sess.ReportTelemetry(TelemetryReport{
			BufferFill:      0.20,
			AchievedBitrate: float64(sess.CurrentBitrate()),
		})
		return sess.CurrentBitrate() < initial
	}, 2*time.Second, 10*time.Millisecond, "sustained low buffer must step the bitrate down")
}

func TestControllerDecreasePassesThroughDegrading(t *testing.T) {
	config := defaultTestConfig()
	config.Session.PID.MinDwell = 30 * time.Millisecond
	env := newTestEnv(t, config, 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)
	defer func() { _ = sess.Close(context.Background()) }()

	// Slow respawns hold the session in Degrading while the lower rung
	// comes up, so the transition is observable.
	env.spawner.setDelay(100 * time.Millisecond)

	initial := sess.CurrentBitrate()
	sawDegrading := false
	require.Eventually(t, func() bool {
		_ = sess.ReportTelemetry(TelemetryReport{
			BufferFill:      0.20,
			AchievedBitrate: float64(sess.CurrentBitrate()),
		})
		if sess.State() == StateDegrading {
			sawDegrading = true
		}
		return sawDegrading && sess.CurrentBitrate() < initial && sess.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond,
		"a controller-selected decrease must pass through Degrading and settle back in Streaming")
}

func TestSilentClientDegradesPreemptively(t *testing.T) {
	config := defaultTestConfig()
	config.Session.TelemetryGrace = 50 * time.Millisecond
	config.Session.PID.MinDwell = 30 * time.Millisecond
	env := newTestEnv(t, config, 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)
	defer func() { _ = sess.Close(context.Background()) }()

	initial := sess.CurrentBitrate()
	require.Eventually(t, func() bool {
		return sess.CurrentBitrate() < initial
	}, 2*time.Second, 10*time.Millisecond, "a silent client must be degraded")
}

func TestCrashTriggersRestart(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)
	defer func() { _ = sess.Close(context.Background()) }()

	env.spawner.lastProc().exit(errors.New("segfault"))

	require.Eventually(t, func() bool {
		return env.spawner.spawnCalls() >= 2 &&
			env.spawner.live() == 1 &&
			sess.State() == StateStreaming
	}, 2*time.Second, 10*time.Millisecond, "crashed process must be respawned")
}

func TestIdleSweepTerminatesSession(t *testing.T) {
	config := defaultTestConfig()
	config.IdleTimeout = 120 * time.Millisecond
	config.SweepInterval = 30 * time.Millisecond
	env := newTestEnv(t, config, 4)

	require.NoError(t, env.registry.Start())
	defer func() { _ = env.registry.Shutdown(context.Background()) }()

	_, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.registry.Len() == 0 && env.spawner.live() == 0
	}, 2*time.Second, 10*time.Millisecond, "idle session must be swept")
	assert.Zero(t, env.admit.InFlight())
}

func TestReportTelemetryAfterClose(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)

	sess, err := env.registry.StartSession(context.Background(), "client-1", "movie-42")
	require.NoError(t, err)
	require.NoError(t, sess.Close(context.Background()))

	err = sess.ReportTelemetry(TelemetryReport{BufferFill: 0.5})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), 4)
	require.NoError(t, env.registry.Start())

	for _, client := range []string{"client-1", "client-2", "client-3"} {
		_, err := env.registry.StartSession(context.Background(), client, "movie-42")
		require.NoError(t, err)
	}
	require.Equal(t, 3, env.registry.Len())

	require.NoError(t, env.registry.Shutdown(context.Background()))
	assert.Zero(t, env.registry.Len())
	assert.Zero(t, env.spawner.live())
	assert.Zero(t, env.admit.InFlight())
}
