package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/breaker"
)

// Manager errors.
var (
	// ErrSpawnFailed is returned when the process could not be started
	// after exhausting the configured retries.
	ErrSpawnFailed = errors.New("transcode spawn failed")
	// ErrProcessCrashed is reported through the exit callback when a
	// running process exits without being asked to.
	ErrProcessCrashed = errors.New("transcode process crashed")
)

// maxRetryBackoff caps the exponential backoff between spawn attempts.
const maxRetryBackoff = 30 * time.Second

// State represents the lifecycle state of a managed transcode process.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ManagerConfig holds process lifecycle configuration.
type ManagerConfig struct {
	FFmpegPath    string
	SpawnTimeout  time.Duration
	StopGrace     time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	OutputDir     string
}

// Manager owns one transcode process for one session. Operations are
// serialized by an op mutex; the monitor goroutine classifies process
// exits as intentional or crashes and reports crashes via the exit
// callback.
type Manager struct {
	id      string
	config  ManagerConfig
	spawner Spawner
	breaker *breaker.Breaker
	logger  *slog.Logger
	onExit  func(error)

	// opMu serializes Start/Stop/ChangeBitrate/Restart.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	proc      Process
	gen       int
	sourceURI string
	bitrate   int64
	startedAt time.Time
}

// NewManager creates a manager for the given session ID. br may be nil to
// spawn without circuit breaker protection.
func NewManager(id string, config ManagerConfig, spawner Spawner, br *breaker.Breaker) *Manager {
	return &Manager{
		id:      id,
		config:  config,
		spawner: spawner,
		breaker: br,
		logger:  slog.Default(),
		state:   StateIdle,
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// WithOnExit sets the callback invoked when the process exits
// unexpectedly. The callback runs on the monitor goroutine.
func (m *Manager) WithOnExit(fn func(error)) *Manager {
	m.onExit = fn
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bitrate returns the bitrate of the current (or last) process.
func (m *Manager) Bitrate() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitrate
}

// PID returns the running process ID, or zero when no process is live.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.PID()
}

// Stats samples resource usage of the running process.
func (m *Manager) Stats(ctx context.Context) ProcessStats {
	m.mu.Lock()
	proc := m.proc
	startedAt := m.startedAt
	m.mu.Unlock()

	if proc == nil {
		return ProcessStats{}
	}
	return collectStats(ctx, proc.PID(), startedAt)
}

// Start spawns the transcode process for the given source at the given
// bitrate. Valid from Idle or Stopped.
func (m *Manager) Start(ctx context.Context, sourceURI string, bitrate int64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start transcode in state %s", state)
	}
	m.state = StateStarting
	m.sourceURI = sourceURI
	m.mu.Unlock()

	proc, err := m.spawnWithRetry(ctx, bitrate)
	if err != nil {
		m.setState(StateStopped)
		return err
	}

	m.registerProc(proc, bitrate)
	m.logger.Info("transcode started",
		slog.String("session_id", m.id),
		slog.Int("pid", proc.PID()),
		slog.Int64("bitrate", bitrate))
	return nil
}

// ChangeBitrate restarts the process at a new bitrate: graceful stop of
// the current process, then spawn. Valid only while Running.
func (m *Manager) ChangeBitrate(ctx context.Context, bitrate int64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot change bitrate in state %s", state)
	}
	oldBitrate := m.bitrate
	proc := m.proc
	m.proc = nil
	m.state = StateRestarting
	m.mu.Unlock()

	if proc != nil {
		stopProcess(proc, m.config.StopGrace, m.logger)
	}

	newProc, err := m.spawnWithRetry(ctx, bitrate)
	if err != nil {
		m.setState(StateStopped)
		return err
	}

	m.registerProc(newProc, bitrate)
	m.logger.Info("transcode bitrate changed",
		slog.String("session_id", m.id),
		slog.Int64("old_bitrate", oldBitrate),
		slog.Int64("new_bitrate", bitrate),
		slog.Int("pid", newProc.PID()))
	return nil
}

// Restart respawns the process at its current bitrate. Valid after a
// crash (Stopped) or while Running.
func (m *Manager) Restart(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.sourceURI == "" {
		m.mu.Unlock()
		return errors.New("transcode was never started")
	}
	bitrate := m.bitrate
	proc := m.proc
	m.proc = nil
	m.state = StateRestarting
	m.mu.Unlock()

	if proc != nil {
		stopProcess(proc, m.config.StopGrace, m.logger)
	}

	newProc, err := m.spawnWithRetry(ctx, bitrate)
	if err != nil {
		m.setState(StateStopped)
		return err
	}

	m.registerProc(newProc, bitrate)
	m.logger.Info("transcode restarted",
		slog.String("session_id", m.id),
		slog.Int("pid", newProc.PID()))
	return nil
}

// Stop terminates the process gracefully. Idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == StateIdle || m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	proc := m.proc
	m.proc = nil
	m.state = StateStopping
	m.mu.Unlock()

	if proc != nil {
		stopProcess(proc, m.config.StopGrace, m.logger)
	}

	m.setState(StateStopped)
	m.logger.Info("transcode stopped", slog.String("session_id", m.id))
	return nil
}

// spawnWithRetry attempts to spawn with bounded exponential backoff. An
// open circuit aborts the retry loop immediately.
func (m *Manager) spawnWithRetry(ctx context.Context, bitrate int64) (Process, error) {
	var lastErr error
	backoff := m.config.RetryBackoff

	for attempt := 0; attempt <= m.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			m.logger.Debug("retrying spawn",
				slog.String("session_id", m.id),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, ctx.Err())
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}

		proc, err := m.spawnOnce(ctx, bitrate)
		if err == nil {
			return proc, nil
		}
		lastErr = err

		if errors.Is(err, breaker.ErrCircuitOpen) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, lastErr)
}

// spawnOnce runs one spawn attempt through the circuit breaker.
func (m *Manager) spawnOnce(ctx context.Context, bitrate int64) (Process, error) {
	cmd := m.buildCommand(bitrate)

	var proc Process
	spawn := func(ctx context.Context) error {
		if m.config.SpawnTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.config.SpawnTimeout)
			defer cancel()
		}
		p, err := m.spawner.Spawn(ctx, cmd.Path(), cmd.Args())
		if err != nil {
			return err
		}
		proc = p
		return nil
	}

	if m.breaker != nil {
		if err := m.breaker.Execute(ctx, spawn); err != nil {
			// The spawn may have completed after the call deadline
			// expired; a process admitted past its window must not
			// linger as an orphan.
			if proc != nil {
				stopProcess(proc, m.config.StopGrace, m.logger)
			}
			return nil, err
		}
		return proc, nil
	}
	if err := spawn(ctx); err != nil {
		return nil, err
	}
	return proc, nil
}

// buildCommand constructs the ffmpeg invocation for the session.
func (m *Manager) buildCommand(bitrate int64) *Command {
	output := filepath.Join(m.config.OutputDir, m.id+".ts")
	return NewCommand(m.config.FFmpegPath).
		HideBanner().
		LogLevel("warning").
		Realtime().
		Input(m.sourceURI).
		VideoH264(bitrate).
		AudioAAC(128).
		MPEGTS(output)
}

// registerProc installs the new process and starts its monitor.
func (m *Manager) registerProc(proc Process, bitrate int64) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.proc = proc
	m.bitrate = bitrate
	m.state = StateRunning
	m.startedAt = time.Now()
	m.mu.Unlock()

	go m.monitor(gen, proc)
}

// monitor reaps the process and classifies its exit. Exits observed while
// the manager is stopping or restarting, or after the process has been
// superseded, are intentional and ignored.
func (m *Manager) monitor(gen int, proc Process) {
	<-proc.Done()
	exitErr := proc.ExitErr()

	m.mu.Lock()
	if gen != m.gen || m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.proc = nil
	m.mu.Unlock()

	crash := fmt.Errorf("%w: exited unexpectedly", ErrProcessCrashed)
	if exitErr != nil {
		crash = fmt.Errorf("%w: %v", ErrProcessCrashed, exitErr)
	}

	attrs := []any{
		slog.String("session_id", m.id),
		slog.Int("pid", proc.PID()),
	}
	if ep, ok := proc.(*execProcess); ok {
		if tail := ep.StderrTail(); len(tail) > 0 {
			attrs = append(attrs, slog.String("stderr_tail", tail[len(tail)-1]))
		}
	}
	m.logger.Warn("transcode process exited unexpectedly", attrs...)

	if m.onExit != nil {
		m.onExit(crash)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
