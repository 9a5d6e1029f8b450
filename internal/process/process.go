package process

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/seantiz/openscans/internal/model"
)

const (
	// outputWaitDelay bounds how long reaping waits for output copying after
	// the process exits (e.g. a grandchild still holding the pipes).
	outputWaitDelay = 2 * time.Second

	// reapTimeout bounds how long Terminate waits for the killed process to exit.
	reapTimeout = 5 * time.Second
)

// Spec describes the process to spawn.
type Spec struct {
	Path string
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// LogWriter receives every captured output line with its stream name
	// ("stdout" or "stderr"). Output is discarded when nil.
	LogWriter func(stream, line string)
}

// Handle is the OS-level handle of one spawned process.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	exitErr error
}

// Spawn starts the executable described by spec. It does not wait for the
// process to do anything; a background goroutine reaps it on exit.
func Spawn(spec Spec) (*Handle, error) {
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	stdout := newLineWriter(model.StreamStdout, spec.LogWriter)
	stderr := newLineWriter(model.StreamStderr, spec.LogWriter)

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputWaitDelay
	configure(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	h := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go h.reap(stdout, stderr)

	return h, nil
}

func (h *Handle) reap(outputs ...*lineWriter) {
	err := h.cmd.Wait()
	for _, w := range outputs {
		w.Flush()
	}
	h.exitErr = err
	close(h.done)
}

// PID returns the process ID.
func (h *Handle) PID() int { return h.pid }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process has not yet been observed to exit.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error from waiting on the process, or nil while it is
// still running or when it exited cleanly.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Terminate force-kills the process and waits for it to be reaped. It is not
// a graceful shutdown. Terminating an exited process succeeds.
func (h *Handle) Terminate() error {
	if !h.Alive() {
		return nil
	}

	if err := kill(h.cmd.Process); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return &TerminateError{PID: h.pid, Err: err}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(reapTimeout):
		return &TerminateError{PID: h.pid, Err: ErrNotReaped}
	}
}
