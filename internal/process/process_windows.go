//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// sysState on Windows keeps one goroutine in cmd.Wait; poll only peeks at
// its result.
type sysState struct {
	done chan struct{}
	st   ExitStatus
}

func (s *sysState) init(h *Handle) {
	s.done = make(chan struct{})
	go func() {
		err := h.cmd.Wait()
		st := ExitStatus{Code: ExitUnknown}
		if h.cmd.ProcessState != nil {
			st.Code = h.cmd.ProcessState.ExitCode()
		} else if err == nil {
			st.Code = 0
		}
		s.st = st
		close(s.done)
	}()
}

func (s *sysState) poll(*Handle) (ExitStatus, bool, error) {
	select {
	case <-s.done:
		return s.st, true, nil
	default:
		return ExitStatus{}, false, nil
	}
}

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

func terminateGroup(int) error { return ErrNoGracefulSignal }

func killGroup(h *Handle) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		select {
		case <-h.sys.done:
			return nil
		default:
		}
		return err
	}
	return nil
}
