package process

import (
	"io"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitDone(t *testing.T, h *Handle, timeout time.Duration) ExitStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, done, err := h.TryWait()
		if err != nil {
			t.Fatalf("TryWait: %v", err)
		}
		if done {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d did not exit within %s", h.PID(), timeout)
	return ExitStatus{}
}

func TestStartCapturesStreamsAndExitCode(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	h, err := Start(Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "pwd; echo $BOTVISOR_TEST; echo oops 1>&2; exit 3"},
		Dir:  dir,
		Env:  []string{"BOTVISOR_TEST=hello", "PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.PID() <= 0 {
		t.Fatalf("expected pid, got %d", h.PID())
	}
	out, _ := io.ReadAll(h.Stdout())
	errOut, _ := io.ReadAll(h.Stderr())
	st := waitDone(t, h, 5*time.Second)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")) || lines[1] != "hello" {
		t.Fatalf("unexpected stdout: %q", out)
	}
	if strings.TrimSpace(string(errOut)) != "oops" {
		t.Fatalf("unexpected stderr: %q", errOut)
	}
	if st.Code != 3 || st.Signaled {
		t.Fatalf("unexpected status: %+v", st)
	}
	// status is sticky once observed
	st2, done, err := h.TryWait()
	if err != nil || !done || st2 != st {
		t.Fatalf("second TryWait = %+v %v %v", st2, done, err)
	}
}

func TestStartMissingExecutable(t *testing.T) {
	requireUnix(t)
	_, err := Start(Spec{Path: "/definitely/not/here/node"})
	if err == nil {
		t.Fatalf("expected error for missing executable")
	}
}

func TestTryWaitRunning(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = h.Kill(); h.WaitExit(10 * time.Millisecond) }()
	if _, done, err := h.TryWait(); err != nil || done {
		t.Fatalf("expected running process, done=%v err=%v", done, err)
	}
}

func TestTerminateGroup(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	st := waitDone(t, h, 5*time.Second)
	if st.Code != ExitUnknown || !st.Signaled {
		t.Fatalf("expected signaled exit, got %+v", st)
	}
}

func TestKillIgnoresTerm(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Path: "/bin/sh", Args: []string{"-c", "trap '' TERM; echo ready; sleep 30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(h.Stdout(), buf); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	_ = h.Terminate()
	time.Sleep(200 * time.Millisecond)
	if h.Exited() {
		t.Fatalf("process should ignore SIGTERM")
	}
	if _, done, _ := h.TryWait(); done {
		t.Fatalf("process should ignore SIGTERM")
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	st := h.WaitExit(10 * time.Millisecond)
	if !st.Signaled {
		t.Fatalf("expected signaled exit after kill, got %+v", st)
	}
	// killing an exited process is ignored
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill after exit: %v", err)
	}
	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate after exit: %v", err)
	}
}

func TestExitStatusString(t *testing.T) {
	if got := (ExitStatus{Code: 2}).String(); got != "exit code 2" {
		t.Fatalf("got %q", got)
	}
	if got := (ExitStatus{Code: ExitUnknown, Signaled: true}).String(); got != "terminated by signal" {
		t.Fatalf("got %q", got)
	}
}
