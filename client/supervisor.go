package client

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/justapithecus/quill/diag"
	"github.com/justapithecus/quill/metrics"
	"github.com/justapithecus/quill/wire"
)

// Supervisor owns the sidecar process: it spawns the child with piped
// stdio, feeds decoded responses to the dispatcher, relays the child's
// stderr to diagnostics, and reacts to unexpected exits by rejecting
// everything in flight.
type Supervisor struct {
	command string
	args    []string
	logger  *diag.Logger
	stats   *metrics.Collector

	mu         sync.Mutex
	instanceID string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	dispatcher *Dispatcher
	dispOpts   []DispatcherOption
	stopping   bool
	waitErr    error
	waitDone   chan struct{}
}

// SupervisorOption adjusts Supervisor construction.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger attaches a diagnostic logger.
func WithSupervisorLogger(l *diag.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithSupervisorStats attaches a metrics collector shared with the
// dispatcher.
func WithSupervisorStats(c *metrics.Collector) SupervisorOption {
	return func(s *Supervisor) {
		s.stats = c
		s.dispOpts = append(s.dispOpts, WithDispatcherStats(c))
	}
}

// WithDispatcherOptions forwards options to the dispatcher created for
// each spawned process.
func WithDispatcherOptions(opts ...DispatcherOption) SupervisorOption {
	return func(s *Supervisor) { s.dispOpts = append(s.dispOpts, opts...) }
}

// NewSupervisor prepares a supervisor for the given sidecar command
// line. The process is not started until Start.
func NewSupervisor(command string, args []string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		command: command,
		args:    args,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the sidecar process and wires its stdio: requests flow
// down stdin, responses come back on stdout, diagnostics on stderr.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("sidecar already running (pid %d)", s.cmd.Process.Pid)
	}
	return s.spawnLocked()
}

// Dispatcher returns the dispatcher bound to the current process, or
// nil before Start.
func (s *Supervisor) Dispatcher() *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// InstanceID identifies the current sidecar incarnation. A fresh id is
// assigned on every spawn.
func (s *Supervisor) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// Pid reports the child's process id, or 0 when not running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ExpectExit marks the next process exit as intentional, so the wait
// goroutine does not treat a post-shutdown exit as a failure.
func (s *Supervisor) ExpectExit() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

// Wait blocks until the current process exits and returns its exit
// error, if any.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	done := s.waitDone
	s.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// Kill forcibly terminates the sidecar process. Pending calls are
// rejected by the exit handler.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.stopping = true
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}
	return cmd.Process.Kill()
}

// Respawn starts a fresh sidecar process after the previous one exited
// and revives the dispatcher against the new pipes. In-flight state
// from the dead process is discarded.
func (s *Supervisor) Respawn() error {
	s.mu.Lock()
	done := s.waitDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("sidecar still running (pid %d)", s.cmd.Process.Pid)
	}
	return s.spawnLocked()
}

// spawnLocked starts the child and its pump goroutines. Caller holds
// s.mu.
func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.command, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sidecar: %w", err)
	}

	s.instanceID = uuid.NewString()
	s.cmd = cmd
	s.stdin = stdin
	s.stopping = false
	s.waitErr = nil
	s.waitDone = make(chan struct{})

	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(stdin, s.dispOpts...)
	} else {
		s.dispatcher.Reset(stdin)
	}

	s.logger.Info("sidecar started", map[string]any{
		"pid":         cmd.Process.Pid,
		"instance_id": s.instanceID,
	})

	go s.pumpResponses(stdout, s.dispatcher)
	go s.relayStderr(stderr)
	go s.awaitExit(cmd, s.dispatcher, s.waitDone)
	return nil
}

// pumpResponses reads the child's stdout and feeds decoded responses
// to the dispatcher until the pipe closes.
func (s *Supervisor) pumpResponses(r io.Reader, dp *Dispatcher) {
	framer := wire.NewResponseFramer(wire.NewCodec(), dp.HandleResponse)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
		}
		if err != nil {
			if d := framer.Discarded(); d > 0 {
				s.stats.AddBytesDiscarded(d)
			}
			return
		}
	}
}

// relayStderr forwards the child's stderr lines to diagnostics. The
// sidecar emits structured JSON there; it is passed through verbatim.
func (s *Supervisor) relayStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.logger.Debug("sidecar stderr", map[string]any{"line": sc.Text()})
	}
}

// awaitExit reaps the child. An exit that was not announced via
// ExpectExit terminates the dispatcher so pending callers fail fast.
func (s *Supervisor) awaitExit(cmd *exec.Cmd, dp *Dispatcher, done chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	expected := s.stopping
	s.waitErr = err
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if expected {
		s.logger.Info("sidecar exited", map[string]any{"error": errString(err)})
		dp.Terminate(ErrNotRunning)
	} else {
		s.logger.Error("sidecar exited unexpectedly", map[string]any{"error": errString(err)})
		cause := ErrSidecarTerminated
		if err != nil {
			cause = fmt.Errorf("%w: %v", ErrSidecarTerminated, err)
		}
		dp.Terminate(cause)
	}
	close(done)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
