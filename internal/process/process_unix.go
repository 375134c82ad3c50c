//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

type sysState struct{}

func (s *sysState) init(*Handle) {}

// poll reaps the child with WNOHANG. ECHILD means the status was collected
// elsewhere; the process is gone either way.
func (s *sysState) poll(h *Handle) (ExitStatus, bool, error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(h.pid, &ws, syscall.WNOHANG, nil)
	if errors.Is(err, syscall.EINTR) {
		return ExitStatus{}, false, nil
	}
	if errors.Is(err, syscall.ECHILD) {
		return ExitStatus{Code: ExitUnknown}, true, nil
	}
	if err != nil {
		return ExitStatus{}, false, err
	}
	if pid == 0 {
		return ExitStatus{}, false, nil
	}
	return statusFromWait(ws), true, nil
}

func statusFromWait(ws syscall.WaitStatus) ExitStatus {
	switch {
	case ws.Exited():
		return ExitStatus{Code: ws.ExitStatus()}
	case ws.Signaled():
		return ExitStatus{Code: ExitUnknown, Signaled: true}
	default:
		return ExitStatus{Code: ExitUnknown}
	}
}

// configureSysProcAttr places the child in a new process group so signals can
// be delivered to the worker and anything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func killGroup(h *Handle) error {
	return signalGroup(h.pid, syscall.SIGKILL)
}

// signalGroup signals -pid first and falls back to pid alone. A process that
// no longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	err = syscall.Kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
