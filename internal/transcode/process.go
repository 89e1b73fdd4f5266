package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Process is a running transcode process.
type Process interface {
	// PID returns the operating system process ID.
	PID() int
	// Signal sends a signal to the process.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
	// Done is closed when the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr returns the exit error. Only valid after Done is closed.
	ExitErr() error
}

// Spawner starts transcode processes. The exec-backed implementation is
// used in production; tests substitute a fake to drive exit paths.
type Spawner interface {
	Spawn(ctx context.Context, path string, args []string) (Process, error)
}

// ExecSpawner spawns real processes via os/exec.
type ExecSpawner struct {
	logger *slog.Logger
}

// NewExecSpawner creates a process spawner.
func NewExecSpawner(logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{logger: logger}
}

// Spawn starts the process and begins reaping it in the background.
func (s *ExecSpawner) Spawn(ctx context.Context, path string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	stderr := newTailWriter(30)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	p := &execProcess{
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	s.logger.Debug("spawned process",
		slog.String("path", path),
		slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

// execProcess wraps a started exec.Cmd.
type execProcess struct {
	cmd     *exec.Cmd
	stderr  *tailWriter
	done    chan struct{}
	exitErr error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	return p.exitErr
}

// StderrTail returns the last captured stderr lines for crash diagnostics.
func (p *execProcess) StderrTail() []string {
	return p.stderr.Lines()
}

// stopProcess stops a process gracefully: SIGTERM, wait out the grace
// period, then SIGKILL. Returns once the process has been reaped.
func stopProcess(proc Process, grace time.Duration, logger *slog.Logger) {
	select {
	case <-proc.Done():
		return
	default:
	}

	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-proc.Done():
		return
	case <-time.After(grace):
		logger.Warn("process did not respond to SIGTERM, killing",
			slog.Int("pid", proc.PID()))
		_ = proc.Kill()
	}

	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		// The kernel owes us a SIGKILL reap; drain in the background so
		// the caller is not blocked on an unkillable process.
		logger.Error("process could not be killed, draining in background",
			slog.Int("pid", proc.PID()))
		go func() { <-proc.Done() }()
	}
}

// tailWriter keeps the last maxLines lines written to it.
type tailWriter struct {
	mu       sync.Mutex
	lines    []string
	partial  strings.Builder
	maxLines int
}

func newTailWriter(maxLines int) *tailWriter {
	return &tailWriter{maxLines: maxLines}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			w.appendLocked(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

func (w *tailWriter) appendLocked(line string) {
	if line == "" {
		return
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > w.maxLines {
		w.lines = w.lines[len(w.lines)-w.maxLines:]
	}
}

// Lines returns a copy of the captured lines.
func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}
