//go:build !windows

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/detector"
	"github.com/loykin/botvisor/internal/eventbus"
)

func TestPIDFileTracksRun(t *testing.T) {
	f := newFixture(t, longRunning)
	ctx := context.Background()
	pidPath := filepath.Join(f.ws.data, DefaultPIDFile)

	require.NoError(t, f.sup.Start(ctx))
	b, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	first, _, _ := strings.Cut(string(b), "\n")
	assert.Equal(t, strconv.Itoa(f.sup.WorkerPID()), first)

	require.NoError(t, f.sup.Stop(ctx))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pidfile removed on stop")
}

func TestPIDFileRemovedOnNaturalExit(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	require.NoError(t, f.sup.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return !f.sup.Health().Running }, "worker exit")
	_, err := os.Stat(filepath.Join(f.ws.data, DefaultPIDFile))
	assert.True(t, os.IsNotExist(err))
}

func TestStartReapsOrphanedWorker(t *testing.T) {
	f := newFixture(t, longRunning)

	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() { _ = orphan.Wait(); close(exited) }()
	require.NoError(t, detector.PIDFile{Path: filepath.Join(f.ws.data, DefaultPIDFile)}.Write(orphan.Process.Pid, "stale"))

	require.NoError(t, f.sup.Start(context.Background()))
	defer func() { _ = f.sup.Stop(context.Background()) }()

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned worker still running")
	}
	logs := f.bus.ofType(eventbus.EventLog)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "Stopped orphaned worker (pid "+strconv.Itoa(orphan.Process.Pid)+")")
	assert.NotEqual(t, orphan.Process.Pid, f.sup.WorkerPID())
}

func TestPIDFileRecordsCurrentRun(t *testing.T) {
	f := newFixture(t, longRunning)
	ctx := context.Background()
	pf := detector.PIDFile{Path: filepath.Join(f.ws.data, DefaultPIDFile)}

	require.NoError(t, f.sup.Start(ctx))
	rec, err := pf.Read()
	require.NoError(t, err)
	h := f.sup.Health()
	assert.Equal(t, h.RunID, rec.RunID)
	assert.Equal(t, f.sup.WorkerPID(), rec.PID)

	require.NoError(t, f.sup.Restart(ctx))
	rec, err = pf.Read()
	require.NoError(t, err)
	assert.Equal(t, f.sup.Health().RunID, rec.RunID)
	assert.NotEqual(t, h.RunID, rec.RunID)
	require.NoError(t, f.sup.Stop(ctx))
}
