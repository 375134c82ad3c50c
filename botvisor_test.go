package botvisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/locator"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// newTestBotvisor lays out an installed worker under <data>/bot whose CLI is a
// shell script run by /bin/sh.
func newTestBotvisor(t *testing.T, cli string) (*Botvisor, string) {
	t.Helper()
	data := t.TempDir()
	code := filepath.Join(data, "bot")
	require.NoError(t, os.MkdirAll(filepath.Join(code, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(code, "index.mjs"), []byte("// entry\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(code, "cli.mjs"), []byte(cli), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "config.json"), []byte(`{}`), 0o600))

	c, err := LoadConfig("")
	require.NoError(t, err)
	c.App.DataDir = data
	c.App.ResourceDir = ""
	c.Supervisor.PollInterval = 20 * time.Millisecond
	c.Supervisor.GraceWindow = 500 * time.Millisecond
	c.Supervisor.SettleDelay = 10 * time.Millisecond
	c.Log.File.Dir = filepath.Join(data, "logs")
	c.History.DSN = []string{"sqlite://" + filepath.Join(data, "history.db")}

	b, err := New(c, WithProbes(locator.FixedPaths{Paths: []string{"/bin/sh"}, Check: locator.ExistsCheck}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, data
}

func TestFacadeStartHealthStop(t *testing.T) {
	requireUnix(t)
	b, data := newTestBotvisor(t, "echo hello\nwhile :; do sleep 0.05; done\n")
	ctx := context.Background()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	require.NoError(t, b.Start(ctx))
	assert.True(t, b.Health().Running)
	assert.Equal(t, b.Health().PID, b.Supervisor().WorkerPID())

	select {
	case e := <-events:
		assert.Equal(t, "started", string(e.Type))
	case <-time.After(2 * time.Second):
		t.Fatal("no started event")
	}

	require.NoError(t, b.Stop(ctx))
	assert.False(t, b.Health().Running)

	// the worker's stdout is teed into <data>/logs
	require.Eventually(t, func() bool {
		out, err := os.ReadFile(filepath.Join(data, "logs", "worker.stdout.log"))
		return err == nil && strings.Contains(string(out), "hello")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFacadePathsAndWriteFile(t *testing.T) {
	b, data := newTestBotvisor(t, "exit 0\n")
	p, err := b.Paths()
	require.NoError(t, err)
	assert.Equal(t, data, p.DataDir)
	assert.Equal(t, filepath.Join(data, "bot"), p.CodeDir)
	assert.Empty(t, p.EnvPath)

	path, err := b.WriteFile(".env", []byte("A=1\n"), false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(data, ".env"), path)

	p, err = b.Paths()
	require.NoError(t, err)
	assert.Equal(t, path, p.EnvPath)

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}
}

func TestFacadeRouter(t *testing.T) {
	b, _ := newTestBotvisor(t, "exit 0\n")
	srv := httptest.NewServer(b.Router("/api").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.False(t, h.Running)
	assert.Nil(t, h.SecondsSinceHeartbeat)
}

func TestFacadeLocate(t *testing.T) {
	requireUnix(t)
	b, _ := newTestBotvisor(t, "exit 0\n")
	res, err := b.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", res.Path)
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetricsDefault())

	srv := NewMetricsServer("127.0.0.1:0", reg)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "botvisor_worker_running")
}
