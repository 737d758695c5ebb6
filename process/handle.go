package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// process exited, e.g. when an orphaned grandchild still holds the pipe.
const DefaultWaitDelay = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("process already started")
	ErrNotStarted     = errors.New("process not started")
)

// Spec is everything needed to spawn a process
type Spec struct {
	Path string   // Executable name or path, resolved through PATH
	Args []string // Arguments, without the executable
	Dir  string   // Working directory; empty means the current directory
	Env  []string // Full environment as KEY=value; nil inherits ours
}

// String renders the command line for logs
func (s Spec) String() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// Info is a point-in-time snapshot of a handle
type Info struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	PID       int           `json:"pid,omitempty"`
	State     State         `json:"state"`
	ExitCode  int           `json:"exitCode"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Option configures a Handle
type Option func(*Handle)

// WithLogger sets the logger used for lifecycle events
func WithLogger(logger log.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithTempDir sets the directory for output spool files
func WithTempDir(dir string) Option {
	return func(h *Handle) {
		h.tempDir = dir
	}
}

// WithTailBytes sets how much of each stream is kept in memory
func WithTailBytes(n int) Option {
	return func(h *Handle) {
		h.tailBytes = n
	}
}

// WithWaitDelay overrides DefaultWaitDelay
func WithWaitDelay(d time.Duration) Option {
	return func(h *Handle) {
		h.waitDelay = d
	}
}

// WithID overrides the generated handle ID
func WithID(id string) Option {
	return func(h *Handle) {
		if id != "" {
			h.id = id
		}
	}
}

// Handle owns one spawned external process.
// State transitions: not_started -> running -> {exited, killed}.
type Handle struct {
	id        string
	spec      Spec
	log       log.Logger
	tempDir   string
	tailBytes int
	waitDelay time.Duration

	stdout *Stream
	stderr *Stream

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	exitCode      int
	waitErr       error
	killRequested bool
	startedAt     time.Time
	endedAt       time.Time
	done          chan struct{}
}

// New creates a handle for spec without spawning anything
func New(spec Spec, opts ...Option) *Handle {
	h := &Handle{
		id:        uuid.New().String(),
		spec:      spec,
		log:       log.New(),
		waitDelay: DefaultWaitDelay,
		state:     StateNotStarted,
		exitCode:  -1,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.New("process", h.id)
	h.stdout = newStream("stdout", h.tailBytes)
	h.stderr = newStream("stderr", h.tailBytes)
	return h
}

// ID returns the unique identifier of this handle
func (h *Handle) ID() string {
	return h.id
}

// Spec returns the command the handle runs
func (h *Handle) Spec() Spec {
	return h.spec
}

// Stdout returns the standard output stream
func (h *Handle) Stdout() *Stream {
	return h.stdout
}

// Stderr returns the standard error stream
func (h *Handle) Stderr() *Stream {
	return h.stderr
}

// Start spawns the process. On failure the handle stays not_started and a
// *types.ProcessStartError is returned.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateNotStarted {
		return ErrAlreadyStarted
	}

	if err := h.stdout.open(h.tempDir); err != nil {
		return types.NewProcessStartError(h.spec.Path, err)
	}
	if err := h.stderr.open(h.tempDir); err != nil {
		h.stdout.reset()
		return types.NewProcessStartError(h.spec.Path, err)
	}

	cmd := exec.Command(h.spec.Path, h.spec.Args...)
	cmd.Dir = h.spec.Dir
	cmd.Env = h.spec.Env
	cmd.Stdout = h.stdout.writer()
	cmd.Stderr = h.stderr.writer()
	cmd.SysProcAttr = setSysProcAttr(cmd.SysProcAttr)
	cmd.WaitDelay = h.waitDelay

	if err := cmd.Start(); err != nil {
		h.stdout.reset()
		h.stderr.reset()
		h.log.Warn("Failed to start process", "command", h.spec.String(), "err", err)
		return types.NewProcessStartError(h.spec.Path, err)
	}

	h.cmd = cmd
	h.state = StateRunning
	h.startedAt = time.Now()
	h.log.Debug("Process started", "pid", cmd.Process.Pid, "command", h.spec.String(), "dir", h.spec.Dir)

	go h.wait()
	return nil
}

// wait reaps the process, closes the streams and records the final state
func (h *Handle) wait() {
	err := h.cmd.Wait()

	// Wait returns only after all output has been copied
	h.stdout.close()
	h.stderr.close()

	h.mu.Lock()
	h.endedAt = time.Now()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.exitCode = code

	var exitErr *exec.ExitError
	switch {
	case h.killRequested && code == -1:
		h.state = StateKilled
	case err != nil && !errors.As(err, &exitErr):
		h.state = StateExited
		h.waitErr = err
	default:
		h.state = StateExited
	}
	state, duration := h.state, h.endedAt.Sub(h.startedAt)
	h.mu.Unlock()

	h.log.Debug("Process finished", "state", state, "exit_code", code, "duration", duration)
	close(h.done)
}

// Terminate kills the process (and its process group) and waits until it
// has been reaped and its streams are drained. It is a no-op when the
// process is not running.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return nil
	}
	if !h.killRequested {
		h.killRequested = true
		if err := killProcess(h.cmd.Process); err != nil {
			if !errors.Is(err, os.ErrProcessDone) {
				h.killRequested = false
				h.mu.Unlock()
				return fmt.Errorf("failed to terminate process %s: %w", h.id, err)
			}
			// Exited on its own in the meantime
			h.killRequested = false
		}
		h.log.Info("Terminating process", "pid", h.cmd.Process.Pid)
	}
	h.mu.Unlock()

	<-h.done
	return nil
}

// Wait blocks until the process has exited and returns its exit code.
// A killed process returns a *types.ProcessTerminatedError.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	h.mu.Lock()
	started := h.state != StateNotStarted
	h.mu.Unlock()
	if !started {
		return -1, ErrNotStarted
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateKilled {
		return h.exitCode, types.NewProcessTerminatedError(h.id)
	}
	return h.exitCode, h.waitErr
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code once the process reached a terminal state
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.state.IsTerminal()
}

// PID returns the OS process id, or 0 before start
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was spawned
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Duration returns the run time so far, or the total once terminal
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.durationLocked()
}

func (h *Handle) durationLocked() time.Duration {
	switch {
	case h.startedAt.IsZero():
		return 0
	case h.endedAt.IsZero():
		return time.Since(h.startedAt)
	default:
		return h.endedAt.Sub(h.startedAt)
	}
}

// Info returns a snapshot of the handle
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		ID:        h.id,
		Command:   h.spec.String(),
		State:     h.state,
		ExitCode:  h.exitCode,
		StartedAt: h.startedAt,
		Duration:  h.durationLocked(),
	}
	if h.cmd != nil && h.cmd.Process != nil {
		info.PID = h.cmd.Process.Pid
	}
	return info
}

// Release terminates the process if it is still running and removes the
// spooled output. The streams cannot be read afterwards.
func (h *Handle) Release() error {
	err := h.Terminate()
	h.stdout.remove()
	h.stderr.remove()
	return err
}
