// Package session implements stream session lifecycle: per-session control
// loops driving the bitrate feedback controller, telemetry intake, crash
// recovery, and the registry that owns all live sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/admission"
	"github.com/streamgate/streamgate/internal/bitrate"
	"github.com/streamgate/streamgate/internal/medialib"
	"github.com/streamgate/streamgate/internal/observability"
	"github.com/streamgate/streamgate/internal/transcode"
)

// Session errors.
var (
	// ErrNotFound is returned when no session exists for the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when an operation targets a session that is
	// terminating or already closed.
	ErrClosed = errors.New("session closed")
)

// State represents the lifecycle state of a stream session.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateDegrading
	StateReconnecting
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateDegrading:
		return "degrading"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TelemetryReport is a client playback report.
type TelemetryReport struct {
	// BufferFill is the client buffer level, 0.0 (empty) to 1.0 (full).
	BufferFill float64
	// AchievedBitrate is the delivered throughput the client measured, in
	// bits/sec.
	AchievedBitrate float64
	// Timestamp is when the client took the measurement.
	Timestamp time.Time
}

// Config holds per-session control loop configuration.
type Config struct {
	// ControlInterval is the bitrate controller tick period.
	ControlInterval time.Duration
	// TelemetryGrace is how long missing telemetry is tolerated before the
	// session degrades bitrate preemptively.
	TelemetryGrace time.Duration
	// PID configures the bitrate feedback controller.
	PID bitrate.PIDConfig
}

// Status is a point-in-time session snapshot.
type Status struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	MediaID        string    `json:"media_id"`
	State          string    `json:"state"`
	CurrentBitrate int64     `json:"current_bitrate"`
	Rung           int       `json:"rung"`
	CreatedAt      time.Time `json:"created_at"`
	Uptime         int64     `json:"uptime_seconds"`
	LastTelemetry  time.Time `json:"last_telemetry,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

// Session is one client's stream: a transcode process, a bitrate
// controller, and the control goroutine tying them together. The PID
// controller is touched only by the control goroutine.
type Session struct {
	id       string
	clientID string
	media    medialib.MediaInfo

	config      Config
	ladder      *bitrate.Ladder
	pid         *bitrate.PID
	manager     *transcode.Manager
	admit       *admission.Controller
	metrics     *observability.Metrics
	logger      *slog.Logger
	releaseSlot func()
	onClosed    func(*Session)

	ctx     context.Context
	cancel  context.CancelFunc
	crashCh chan error

	closeOnce sync.Once
	closedCh  chan struct{}

	mu            sync.Mutex
	state         State
	currentRung   int
	lastTelemetry TelemetryReport
	lastSeen      time.Time
	createdAt     time.Time
	failure       error

	now func() time.Time
}

// ID returns the session's ULID.
func (s *Session) ID() string {
	return s.id
}

// ClientID returns the owning client's identifier.
func (s *Session) ClientID() string {
	return s.clientID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentBitrate returns the bitrate of the active rung.
func (s *Session) CurrentBitrate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ladder.Bitrate(s.currentRung)
}

// LastSeen returns when the session last received telemetry (or was
// created, if no telemetry arrived yet).
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:             s.id,
		ClientID:       s.clientID,
		MediaID:        s.media.ID,
		State:          s.state.String(),
		CurrentBitrate: s.ladder.Bitrate(s.currentRung),
		Rung:           s.currentRung,
		CreatedAt:      s.createdAt,
		Uptime:         int64(s.now().Sub(s.createdAt).Seconds()),
	}
	if !s.lastTelemetry.Timestamp.IsZero() {
		st.LastTelemetry = s.lastTelemetry.Timestamp
	}
	if s.failure != nil {
		st.FailureReason = s.failure.Error()
	}
	return st
}

// ProcessStats samples resource usage of the session's transcode process.
func (s *Session) ProcessStats(ctx context.Context) transcode.ProcessStats {
	return s.manager.Stats(ctx)
}

// ReportTelemetry records a client playback report. The control loop picks
// it up on its next tick.
func (s *Session) ReportTelemetry(report TelemetryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminating || s.state == StateClosed {
		return ErrClosed
	}

	if report.BufferFill < 0 {
		report.BufferFill = 0
	} else if report.BufferFill > 1 {
		report.BufferFill = 1
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = s.now()
	}

	s.lastTelemetry = report
	s.lastSeen = s.now()
	return nil
}

// Close terminates the session: the control loop stops, the transcode
// process is shut down, and the admission slot is released. Idempotent;
// blocks until cleanup completes.
func (s *Session) Close(ctx context.Context) error {
	s.beginTerminate(nil)

	select {
	case <-s.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginTerminate moves the session to Terminating and stops the control
// loop. Cleanup happens on the control goroutine.
func (s *Session) beginTerminate(reason error) {
	s.mu.Lock()
	if s.state != StateTerminating && s.state != StateClosed {
		s.state = StateTerminating
		if reason != nil && s.failure == nil {
			s.failure = reason
		}
	}
	s.mu.Unlock()
	s.cancel()
}

// notifyExit is the transcode manager's exit callback.
func (s *Session) notifyExit(err error) {
	select {
	case s.crashCh <- err:
	default:
	}
}

// start transitions to Streaming and launches the control loop.
func (s *Session) start() {
	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()
	go s.run()
}

// run is the session's control goroutine: one PID tick per control
// interval, crash recovery, and final cleanup on every exit path.
func (s *Session) run() {
	defer s.cleanup()

	ticker := time.NewTicker(s.config.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.crashCh:
			if !s.handleCrash(err) {
				return
			}
		case <-ticker.C:
			s.controlTick()
		}
	}
}

// cleanup releases everything the session holds. Runs exactly once.
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.manager.Stop(stopCtx)

		s.releaseSlot()

		s.mu.Lock()
		s.state = StateClosed
		failure := s.failure
		s.mu.Unlock()

		s.metrics.IncSessionsClosed()
		if failure != nil {
			s.logger.Warn("session closed after failure",
				slog.String("session_id", s.id),
				slog.String("error", failure.Error()))
		} else {
			s.logger.Info("session closed", slog.String("session_id", s.id))
		}

		if s.onClosed != nil {
			s.onClosed(s)
		}
		close(s.closedCh)
	})
}

// handleCrash attempts to recover from an unexpected process exit. Returns
// false when the session should terminate.
func (s *Session) handleCrash(exitErr error) bool {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.logger.Warn("transcode process exited, restarting",
		slog.String("session_id", s.id),
		slog.String("error", exitErr.Error()))
	s.metrics.IncProcessRestarts()

	if err := s.manager.Restart(s.ctx); err != nil {
		s.logger.Error("transcode restart failed, terminating session",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		s.beginTerminate(err)
		return false
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()
	return true
}

// controlTick runs one bitrate control interval.
func (s *Session) controlTick() {
	s.mu.Lock()
	tele := s.lastTelemetry
	lastSeen := s.lastSeen
	state := s.state
	s.mu.Unlock()

	if state != StateStreaming && state != StateDegrading {
		return
	}

	// A silent client is assumed to be struggling: degrade preemptively
	// instead of streaming into the void at full rate.
	if s.now().Sub(lastSeen) > s.config.TelemetryGrace {
		s.setState(StateDegrading)
		s.actuate(s.pid.ForceDegrade())
		return
	}

	// No report yet: the grace path above handles prolonged silence, and
	// ticking the controller on a zero report would slam the bitrate down.
	if tele.Timestamp.IsZero() {
		return
	}

	if state == StateDegrading {
		s.setState(StateStreaming)
	}
	s.actuate(s.pid.Tick(tele.BufferFill, tele.AchievedBitrate))
}

// actuate applies a controller proposal. Increases are load-adding (the
// encode restarts at a higher rate) and must pass admission; decreases
// shed load and are never blocked.
func (s *Session) actuate(prop bitrate.Proposal) {
	if !prop.ShouldChange {
		return
	}

	degrading := false
	if prop.Direction() > 0 {
		if err := s.admit.CheckActuation(s.clientID); err != nil {
			s.logger.Debug("bitrate increase denied by admission",
				slog.String("session_id", s.id),
				slog.Int("target_rung", prop.TargetRung))
			return
		}
	} else if s.State() == StateStreaming {
		// A controller-selected decrease is the Degrading leg of the
		// session state machine, visible until the lower rung is live.
		// The silence path arrives here already in Degrading and stays
		// there until telemetry resumes.
		s.setState(StateDegrading)
		degrading = true
	}

	newBitrate := s.ladder.Bitrate(prop.TargetRung)
	if err := s.manager.ChangeBitrate(s.ctx, newBitrate); err != nil {
		s.logger.Error("bitrate change failed, terminating session",
			slog.String("session_id", s.id),
			slog.Int64("bitrate", newBitrate),
			slog.String("error", err.Error()))
		s.beginTerminate(err)
		return
	}

	s.pid.Commit(prop.TargetRung)
	s.mu.Lock()
	s.currentRung = prop.TargetRung
	if degrading && s.state == StateDegrading {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	s.metrics.IncBitrateChanges()
	s.logger.Info("bitrate changed",
		slog.String("session_id", s.id),
		slog.Int("rung", prop.TargetRung),
		slog.Int64("bitrate", newBitrate))
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
