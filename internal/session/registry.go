package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/streamgate/streamgate/internal/admission"
	"github.com/streamgate/streamgate/internal/bitrate"
	"github.com/streamgate/streamgate/internal/breaker"
	"github.com/streamgate/streamgate/internal/medialib"
	"github.com/streamgate/streamgate/internal/observability"
	"github.com/streamgate/streamgate/internal/transcode"
)

// RegistryConfig holds registry-level lifecycle configuration.
type RegistryConfig struct {
	// IdleTimeout terminates sessions with no telemetry for this long.
	IdleTimeout time.Duration
	// SweepInterval is the idle sweeper period.
	SweepInterval time.Duration
	// HousekeepingCron schedules the periodic deep-clean pass
	// (six-field cron expression, with seconds).
	HousekeepingCron string
	// Session configures each session's control loop.
	Session Config
}

// Deps are the registry's collaborators.
type Deps struct {
	Admission *admission.Controller
	Limiter   *admission.Limiter
	Resolver  medialib.Resolver
	Breakers  *breaker.Registry
	Spawner   transcode.Spawner
	Transcode transcode.ManagerConfig
	Ladder    *bitrate.Ladder
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Registry owns all live sessions. It runs the idle sweeper and the
// cron-scheduled housekeeping pass.
type Registry struct {
	config RegistryConfig
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cron    *cron.Cron
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	now func() time.Time
}

// NewRegistry creates a session registry.
func NewRegistry(config RegistryConfig, deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		config:   config,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// WithNowFunc overrides the clock. Used in tests.
func (r *Registry) WithNowFunc(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Start launches the idle sweeper and the housekeeping cron schedule.
func (r *Registry) Start() error {
	r.wg.Add(1)
	go r.sweepLoop()

	if r.config.HousekeepingCron != "" {
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(r.config.HousekeepingCron, r.housekeeping); err != nil {
			return fmt.Errorf("scheduling housekeeping: %w", err)
		}
		c.Start()
		r.cron = c
	}

	r.logger.Info("session registry started",
		slog.Duration("sweep_interval", r.config.SweepInterval),
		slog.Duration("idle_timeout", r.config.IdleTimeout))
	return nil
}

// Shutdown stops background work and closes every live session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopped.Do(func() { close(r.stopCh) })
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.wg.Wait()

	for _, sess := range r.Snapshot() {
		if err := sess.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StartSession admits, resolves, and starts a new stream session. The
// admission slot is held for the session's lifetime and released on every
// failure path.
func (r *Registry) StartSession(ctx context.Context, clientID, mediaID string) (*Session, error) {
	release, err := r.deps.Admission.AcquireSlot(clientID)
	if err != nil {
		r.deps.Metrics.IncSessionsRejected()
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	var media medialib.MediaInfo
	libBreaker := r.deps.Breakers.Get(breaker.DependencyMediaLibrary)
	err = libBreaker.Execute(ctx, func(ctx context.Context) error {
		m, resolveErr := r.deps.Resolver.Resolve(ctx, mediaID)
		media = m
		return resolveErr
	})
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	sessCtx, cancel := context.WithCancel(context.Background())
	rung := r.deps.Ladder.InitialRung()

	sess := &Session{
		id:          id,
		clientID:    clientID,
		media:       media,
		config:      r.config.Session,
		ladder:      r.deps.Ladder,
		pid:         bitrate.NewPID(r.config.Session.PID, r.deps.Ladder, rung),
		admit:       r.deps.Admission,
		metrics:     r.deps.Metrics,
		logger:      observability.WithSessionID(r.logger, id),
		releaseSlot: release,
		onClosed:    r.remove,
		ctx:         sessCtx,
		cancel:      cancel,
		crashCh:     make(chan error, 1),
		closedCh:    make(chan struct{}),
		state:       StateInitializing,
		currentRung: rung,
		createdAt:   r.now(),
		lastSeen:    r.now(),
		now:         r.now,
	}
	sess.manager = transcode.NewManager(id, r.deps.Transcode, r.deps.Spawner,
		r.deps.Breakers.Get(breaker.DependencyTranscoder)).
		WithLogger(sess.logger).
		WithOnExit(sess.notifyExit)

	if err := sess.manager.Start(ctx, media.SourceURI, r.deps.Ladder.Bitrate(rung)); err != nil {
		cancel()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = sess
	active := len(r.sessions)
	r.mu.Unlock()

	sess.start()
	started = true

	r.deps.Metrics.IncSessionsStarted()
	r.deps.Metrics.SetActiveSessions(active)
	r.logger.Info("session started",
		slog.String("session_id", id),
		slog.String("client_id", clientID),
		slog.String("media_id", mediaID),
		slog.Int64("bitrate", r.deps.Ladder.Bitrate(rung)))
	return sess, nil
}

// StopSession terminates the session with the given ID.
func (r *Registry) StopSession(ctx context.Context, id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return sess.Close(ctx)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Snapshot returns a point-in-time slice of all live sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Statuses returns snapshots of all live sessions.
func (r *Registry) Statuses() []Status {
	sessions := r.Snapshot()
	out := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// remove drops a closed session from the registry. Called by the session's
// cleanup path.
func (r *Registry) remove(sess *Session) {
	r.mu.Lock()
	delete(r.sessions, sess.id)
	active := len(r.sessions)
	r.mu.Unlock()

	r.deps.Metrics.SetActiveSessions(active)
}

// sweepLoop terminates idle sessions on a fixed interval.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep closes sessions whose clients have gone silent past IdleTimeout.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.config.IdleTimeout)

	for _, sess := range r.Snapshot() {
		if sess.LastSeen().After(cutoff) {
			continue
		}
		state := sess.State()
		if state == StateTerminating || state == StateClosed {
			continue
		}

		r.logger.Info("sweeping idle session",
			slog.String("session_id", sess.ID()),
			slog.String("client_id", sess.ClientID()))

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := sess.Close(ctx); err != nil {
			r.logger.Warn("idle session close timed out",
				slog.String("session_id", sess.ID()),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// housekeeping is the cron-scheduled deep-clean pass: stale per-client
// rate limiter buckets are dropped.
func (r *Registry) housekeeping() {
	removed := 0
	if r.deps.Limiter != nil {
		removed = r.deps.Limiter.Cleanup(r.config.IdleTimeout)
	}
	r.logger.Debug("housekeeping pass complete",
		slog.Int("limiter_buckets_removed", removed),
		slog.Int("sessions_active", r.Len()))
}
