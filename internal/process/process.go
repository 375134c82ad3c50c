// Package process owns the OS-level handle of a spawned worker: the pipes it
// writes to, a non-blocking exit poll, graceful termination and force-kill.
// It never waits in a background goroutine on Unix; callers poll TryWait.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitUnknown is the exit code reported when the process ended without one
// (killed by a signal, or reaped by someone else).
const ExitUnknown = -1

// ErrNoGracefulSignal is returned by Terminate on platforms that cannot
// deliver a polite shutdown request. Callers should fall back to Kill.
var ErrNoGracefulSignal = errors.New("graceful termination not supported on this platform")

// Spec describes what to run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ExitStatus is the terminal status of a process.
type ExitStatus struct {
	Code     int
	Signaled bool
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "terminated by signal"
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Handle is a started process. All methods are safe for concurrent use.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File

	mu     sync.Mutex
	exited bool
	status ExitStatus

	sys sysState
}

// Start spawns spec in its own process group with stdout and stderr attached
// to fresh pipes. The write ends are closed in the parent after spawn so the
// readers see EOF once the child (and its group) let go of them.
func Start(spec Spec) (*Handle, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	startErr := cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, startErr
	}

	h := &Handle{cmd: cmd, pid: cmd.Process.Pid, stdout: outR, stderr: errR}
	h.sys.init(h)
	return h, nil
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// Stdout is the read end of the child's standard output.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Stderr is the read end of the child's standard error.
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// TryWait reports whether the process has exited without blocking. Once an
// exit has been observed the same status is returned on every later call.
func (h *Handle) TryWait() (ExitStatus, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return h.status, true, nil
	}
	st, done, err := h.sys.poll(h)
	if err != nil {
		return ExitStatus{Code: ExitUnknown}, false, err
	}
	if done {
		h.markExitedLocked(st)
	}
	return st, done, nil
}

// Exited reports whether an exit has already been observed.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Terminate asks the process group to shut down.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateGroup(h.pid)
}

// Kill force-kills the process group. Killing an exited process is not an error.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killGroup(h)
}

// WaitExit blocks until the exit is confirmed, polling every interval.
func (h *Handle) WaitExit(interval time.Duration) ExitStatus {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		st, done, err := h.TryWait()
		if err != nil {
			// the child is not ours to wait on anymore; nothing left to confirm
			h.mu.Lock()
			h.markExitedLocked(ExitStatus{Code: ExitUnknown})
			st = h.status
			h.mu.Unlock()
			return st
		}
		if done {
			return st
		}
		time.Sleep(interval)
	}
}

func (h *Handle) markExitedLocked(st ExitStatus) {
	if h.exited {
		return
	}
	h.exited = true
	h.status = st
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Release()
	}
}
