package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/supervisor"
	"github.com/loykin/botvisor/internal/workspace"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	startErr error
	auxOut   string
	auxErr   error
	calls    []string
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeController) Start(ctx context.Context) error {
	f.record("start")
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return supervisor.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.record("stop")
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Restart(ctx context.Context) error {
	f.record("restart")
	_ = f.Stop(ctx)
	return f.Start(ctx)
}

func (f *fakeController) Health() supervisor.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := supervisor.Health{Running: f.running, Phase: "idle"}
	if f.running {
		secs := int64(0)
		h.SecondsSinceHeartbeat = &secs
		h.Phase = "running"
		h.PID = 4242
	}
	return h
}

func (f *fakeController) CheckPosition(context.Context) (string, error) {
	f.record("check")
	return f.auxOut, f.auxErr
}

func (f *fakeController) ClosePosition(context.Context) (string, error) {
	f.record("close")
	return f.auxOut, f.auxErr
}

type fakeLocator struct {
	res locator.Result
	err error
}

func (f fakeLocator) Locate(context.Context) (locator.Result, error) { return f.res, f.err }

type fakeWorkspace struct {
	data string
}

func (f fakeWorkspace) ResolveCodeDir() (string, error) {
	return "", &workspace.NotFoundError{What: "bot directory"}
}

func (f fakeWorkspace) ResolveDataDir() (string, error) { return f.data, nil }

func (f fakeWorkspace) Paths(codeDir string) (workspace.ResolvedPaths, error) {
	return workspace.ResolvedPaths{
		CodeDir:    codeDir,
		DataDir:    f.data,
		ConfigPath: filepath.Join(f.data, workspace.ConfigFileName),
	}, nil
}

func setupRouter(t *testing.T, base string) (http.Handler, *fakeController, *eventbus.Bus, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := &fakeController{}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	data := t.TempDir()
	r := NewRouter(Deps{
		Controller: ctl,
		Events:     bus,
		Locator:    fakeLocator{res: locator.Result{Path: "/usr/local/bin/node", Probe: "fixed"}},
		Workspace:  fakeWorkspace{data: data},
	}, base)
	return r.Handler(), ctl, bus, data
}

func doReq(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error
}

func TestStartStopStatus(t *testing.T) {
	h, ctl, _, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hl supervisor.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hl))
	assert.True(t, hl.Running)
	assert.Equal(t, 4242, hl.PID)

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":false`)
	assert.Contains(t, rec.Body.String(), `"seconds_since_heartbeat":null`)
	assert.Equal(t, []string{"start", "stop"}, ctl.calls)
}

func TestStartConflict(t *testing.T) {
	h, _, _, _ := setupRouter(t, "")
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/start", nil).Code)
	rec := doReq(t, h, http.MethodPost, "/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Bot is already running", decodeError(t, rec))
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"setup incomplete", supervisor.ErrSetupIncomplete, http.StatusPreconditionFailed, "config.json not found. Complete setup first."},
		{"stopping", supervisor.ErrStopping, http.StatusConflict, "Bot is stopping"},
		{"runtime not found", &locator.NotFoundError{Runtime: locator.Node}, http.StatusPreconditionFailed,
			"Node.js is not installed. Download it from https://nodejs.org (LTS version)."},
		{"code dir missing", &workspace.NotFoundError{What: "bot directory"}, http.StatusPreconditionFailed, "bot directory not found"},
		{"spawn", &supervisor.SpawnError{RuntimeMissing: true, Path: "/x/node", DownloadURL: "https://nodejs.org"},
			http.StatusInternalServerError, "Node.js not found at '/x/node'. Install from https://nodejs.org"},
		{"provision", &workspace.ProvisionError{Output: "ERR!"}, http.StatusInternalServerError, ""},
		{"other", fmt.Errorf("boom"), http.StatusBadRequest, "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, ctl, _, _ := setupRouter(t, "/api")
			ctl.startErr = tc.err
			rec := doReq(t, h, http.MethodPost, "/api/start", nil)
			assert.Equal(t, tc.code, rec.Code)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, decodeError(t, rec))
			}
		})
	}
}

func TestRestart(t *testing.T) {
	h, ctl, _, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"restart", "stop", "start"}, ctl.calls)
}

func TestPositionEndpoints(t *testing.T) {
	h, ctl, _, _ := setupRouter(t, "/api")
	ctl.auxOut = `{"ok":true,"size":0}`

	rec := doReq(t, h, http.MethodPost, "/api/position/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true,"size":0}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	ctl.auxOut, ctl.auxErr = "", fmt.Errorf("%w: no key", supervisor.ErrNoJSONLine)
	rec = doReq(t, h, http.MethodPost, "/api/position/close", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "script failed: no key", decodeError(t, rec))
	assert.Equal(t, []string{"check", "close"}, ctl.calls)
}

func TestPathsWithoutCodeDir(t *testing.T) {
	h, _, _, data := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/paths", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p workspace.ResolvedPaths
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, data, p.DataDir)
	assert.Empty(t, p.CodeDir)
	assert.Equal(t, filepath.Join(data, "config.json"), p.ConfigPath)
}

func TestRuntimeNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{
		Controller: &fakeController{},
		Locator:    fakeLocator{err: &locator.NotFoundError{Runtime: locator.Node}},
	}, "")
	rec := doReq(t, r.Handler(), http.MethodGet, "/runtime", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, decodeError(t, rec), "https://nodejs.org")
}

func TestUnconfiguredDepsAnswer503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Deps{Controller: &fakeController{}}, "").Handler()
	for _, p := range []string{"/events", "/runtime", "/paths", "/files/config.json"} {
		assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, p, nil).Code, p)
	}
}

func TestFilesReadWrite(t *testing.T) {
	h, _, _, data := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/files/config.json/exists", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exists":false}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/files/config.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodPut, "/api/files/config.json", strings.NewReader(`{"pair":"BTC"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/files/config.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"pair":"BTC"}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/files/config.json/exists", nil)
	assert.JSONEq(t, `{"exists":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPut, "/api/files/.env", strings.NewReader("KEY=1\n"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPut, "/api/secrets/wallet.key", strings.NewReader("secret"))
	require.Equal(t, http.StatusOK, rec.Code)

	if runtime.GOOS != "windows" {
		for _, name := range []string{".env", "wallet.key"} {
			fi, err := os.Stat(filepath.Join(data, name))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm(), name)
		}
	}
}

func TestFilesRejectUnsafeNames(t *testing.T) {
	h, _, _, _ := setupRouter(t, "/api")
	for _, p := range []string{"/api/files/..", "/api/files/a..b", "/api/files/a%5Cb", "/api/files/x*"} {
		rec := doReq(t, h, http.MethodGet, p, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
	}
}

func TestFilesTooLarge(t *testing.T) {
	h, _, _, _ := setupRouter(t, "/api")
	body := bytes.Repeat([]byte("x"), maxFileBytes+1)
	rec := doReq(t, h, http.MethodPut, "/api/files/big.json", bytes.NewReader(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEventsStream(t *testing.T) {
	h, _, bus, _ := setupRouter(t, "/api")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the subscription is registered before headers are flushed
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(eventbus.Raw("r1", `{"type":"signal"}`))
	bus.Publish(eventbus.Log("r1", `say "hi"`))

	br := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 4 {
		l, err := br.ReadString('\n')
		require.NoError(t, err)
		if l = strings.TrimRight(l, "\n"); l != "" {
			lines = append(lines, l)
		}
	}
	assert.Equal(t, []string{
		"event: raw",
		`data: {"type":"signal"}`,
		"event: log",
		`data: {"type":"log","message":"say \"hi\""}`,
	}, lines)
}

func TestLifecycleOutlivesClientContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctl := &fakeController{}
	h := NewRouter(Deps{Controller: ctl}, "/api").Handler()

	for _, path := range []string{"/api/start", "/api/restart", "/api/stop"} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(ctx)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "%s: %s", path, w.Body.String())
	}
	assert.Equal(t, []string{"start", "restart", "stop", "start", "stop"}, ctl.calls)
}
