// Package supervisor runs exactly one worker process and tracks its liveness.
//
// State machine:
//
//	idle -> starting -> running -> stopping -> idle
//
// starting and stopping are reservations taken under the lock so that slow
// work (resolution, spawn, the grace window) happens without holding it.
// Every successful spawn gets a new generation; the three background tasks
// of a run only touch state while their generation is still current.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisor/internal/detector"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/workspace"
)

const (
	DefaultCLIScript        = "cli.mjs"
	DefaultCloseScript      = "close.mjs"
	DefaultMarkerEnv        = "TAURI=1"
	DefaultPollInterval     = time.Second
	DefaultStopPollInterval = 100 * time.Millisecond
	DefaultGraceWindow      = 3 * time.Second
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultAuxTimeout       = 60 * time.Second
	DefaultPIDFile          = "worker.pid"

	killConfirmInterval = 10 * time.Millisecond
)

// RuntimeLocator finds the runtime executable.
type RuntimeLocator interface {
	Locate(ctx context.Context) (locator.Result, error)
	Runtime() locator.Runtime
}

// Workspace yields the code dir and the per-operation paths.
type Workspace interface {
	Prepare(ctx context.Context) (string, error)
	Paths(codeDir string) (workspace.ResolvedPaths, error)
}

// Publisher receives supervisor events.
type Publisher interface {
	Publish(e eventbus.Event)
}

// OutputWriters opens the per-run tee targets for worker stdout and stderr.
// Either writer may be nil.
type OutputWriters func() (stdout, stderr io.WriteCloser, err error)

// Options tunes the supervisor. Zero values take the defaults.
type Options struct {
	CLIScript   string
	CloseScript string
	// MarkerEnv is a KEY=VALUE pair telling the worker it runs under a host.
	MarkerEnv string
	// ExtraEnv is merged last, with ${VAR} expansion.
	ExtraEnv []string

	PollInterval     time.Duration
	StopPollInterval time.Duration
	GraceWindow      time.Duration
	SettleDelay      time.Duration
	AuxTimeout       time.Duration

	// PIDFile is relative to the data dir. A worker recorded there by an
	// earlier daemon is stopped before spawning.
	PIDFile string

	Output  OutputWriters
	History *history.Recorder
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CLIScript == "" {
		o.CLIScript = DefaultCLIScript
	}
	if o.CloseScript == "" {
		o.CloseScript = DefaultCloseScript
	}
	if o.MarkerEnv == "" {
		o.MarkerEnv = DefaultMarkerEnv
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = DefaultStopPollInterval
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.AuxTimeout <= 0 {
		o.AuxTimeout = DefaultAuxTimeout
	}
	if o.PIDFile == "" {
		o.PIDFile = DefaultPIDFile
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Supervisor owns the single worker. Safe for concurrent use.
type Supervisor struct {
	loc  RuntimeLocator
	ws   Workspace
	bus  Publisher
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	state workerState
}

// New creates an idle supervisor. bus may be nil.
func New(loc RuntimeLocator, ws Workspace, bus Publisher, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		loc:  loc,
		ws:   ws,
		bus:  bus,
		opts: opts,
		log:  opts.Logger.With("component", "supervisor"),
	}
}

func (s *Supervisor) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Start resolves everything the worker needs and spawns it. It fails with
// ErrAlreadyRunning when a worker is live or being started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state.phase {
	case PhaseStarting, PhaseRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case PhaseStopping:
		s.mu.Unlock()
		return ErrStopping
	}
	s.state.setPhase(PhaseStarting)
	s.mu.Unlock()

	h, paths, err := s.spawn(ctx)
	if err != nil {
		s.mu.Lock()
		s.state.setPhase(PhaseIdle)
		s.mu.Unlock()
		metrics.IncStartError(startErrorReason(err))
		s.log.Warn("start failed", "error", err)
		return err
	}

	// written before the state lock; phase starting keeps Stop and the
	// exit watcher away from it until the run is installed
	runID := uuid.NewString()
	pidFile := detector.PIDFile{Path: filepath.Join(paths.DataDir, s.opts.PIDFile)}
	if err := pidFile.Write(h.PID(), runID); err != nil {
		s.log.Warn("failed to write worker pidfile", "path", pidFile.Path, "error", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.state.generation++
	gen := s.state.generation
	s.state.runID = runID
	s.state.running = true
	s.state.handle = h
	s.state.pid = h.PID()
	s.state.startedAt = now
	s.state.lastHeartbeat = now
	s.state.lastError = nil
	s.state.pidFile = pidFile
	s.state.setPhase(PhaseRunning)
	s.mu.Unlock()

	s.log.Info("worker started", "pid", h.PID(), "run_id", runID, "code_dir", paths.CodeDir)
	s.publish(eventbus.Event{Type: eventbus.EventStarted, Message: runID, RunID: runID, Time: now})
	s.opts.History.Record(history.Event{
		Type:       history.EventStart,
		OccurredAt: now,
		Record: history.Record{
			RunID:     runID,
			PID:       h.PID(),
			Status:    history.StatusRunning,
			StartedAt: now,
		},
	})
	metrics.IncStart()
	metrics.SetRunning(true)

	var outW, errW io.WriteCloser
	if s.opts.Output != nil {
		if outW, errW, err = s.opts.Output(); err != nil {
			s.log.Warn("worker output log unavailable", "error", err)
			outW, errW = nil, nil
		}
	}
	go s.readStdout(gen, runID, h.Stdout(), outW)
	go s.readStderr(gen, runID, h.Stderr(), errW)
	go s.watchExit(gen, runID, h)
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) (*process.Handle, workspace.ResolvedPaths, error) {
	rt, err := s.loc.Locate(ctx)
	if err != nil {
		return nil, workspace.ResolvedPaths{}, err
	}
	codeDir, err := s.ws.Prepare(ctx)
	if err != nil {
		return nil, workspace.ResolvedPaths{}, err
	}
	paths, err := s.ws.Paths(codeDir)
	if err != nil {
		return nil, paths, err
	}

	s.reapOrphan(paths.DataDir)

	cliPath := filepath.Join(paths.CodeDir, s.opts.CLIScript)
	if !fileExists(cliPath) {
		return nil, paths, &NotFoundError{What: "Bot CLI", Path: cliPath}
	}
	if !fileExists(paths.ConfigPath) {
		return nil, paths, ErrSetupIncomplete
	}

	h, err := process.Start(process.Spec{
		Path: rt.Path,
		Args: []string{cliPath, "--config", paths.ConfigPath},
		Dir:  paths.CodeDir,
		Env:  s.workerEnv(paths),
	})
	if err != nil {
		return nil, paths, &SpawnError{
			RuntimeMissing: isNotFound(err),
			Path:           rt.Path,
			DownloadURL:    s.loc.Runtime().DownloadURL,
			Err:            err,
		}
	}
	return h, paths, nil
}

// reapOrphan stops a worker left behind by a daemon that died without
// stopping it. Two workers must never trade on the same account.
func (s *Supervisor) reapOrphan(dataDir string) {
	pf := detector.PIDFile{Path: filepath.Join(dataDir, s.opts.PIDFile)}
	pid, err := pf.Reap(s.opts.GraceWindow)
	if err != nil {
		s.log.Warn("failed to stop orphaned worker", "pidfile", pf.Path, "error", err)
	}
	if pid > 0 {
		s.log.Warn("stopped orphaned worker", "pid", pid)
		s.publish(eventbus.Log("", fmt.Sprintf("Stopped orphaned worker (pid %d)", pid)))
		metrics.IncStop("orphan")
	}
}

func (s *Supervisor) workerEnv(p workspace.ResolvedPaths) []string {
	mk, mv, _ := strings.Cut(s.opts.MarkerEnv, "=")
	return env.FromOS().
		Set(mk, mv).
		SetIf(p.EnvPath != "", "DOTENV_CONFIG_PATH", p.EnvPath).
		Set("DATA_DIR", p.DataDir).
		Merge(s.opts.ExtraEnv)
}

// Stop terminates the worker and returns once it is confirmed gone. Stopping
// an idle supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	err := s.stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state.phase {
	case PhaseStopping:
		done := s.state.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case PhaseStarting:
		// nothing spawned yet
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.state.handle == nil {
		s.state.running = false
		s.mu.Unlock()
		return ErrNotRunning
	}
	h := s.state.handle
	gen := s.state.generation
	runID := s.state.runID
	startedAt := s.state.startedAt
	done := make(chan struct{})
	s.state.stopDone = done
	s.state.setPhase(PhaseStopping)
	s.mu.Unlock()

	begin := time.Now()
	st, cause := s.terminate(h)
	elapsed := time.Since(begin)

	s.mu.Lock()
	if s.state.generation == gen {
		s.state.clear()
		s.publish(eventbus.Stopped(runID, st.Code))
	}
	lastErr := s.state.lastError
	s.state.stopDone = nil
	close(done)
	s.mu.Unlock()

	s.log.Info("worker stopped", "pid", h.PID(), "run_id", runID, "status", st.String(), "cause", cause, "took", elapsed)
	s.recordStop(runID, h.PID(), startedAt, st.Code, lastErr)
	metrics.ObserveStopDuration(elapsed.Seconds())
	metrics.IncStop(cause)
	metrics.SetRunning(false)
	return nil
}

// terminate asks politely, waits out the grace window and kills if needed.
func (s *Supervisor) terminate(h *process.Handle) (process.ExitStatus, string) {
	if err := h.Terminate(); err == nil {
		deadline := time.Now().Add(s.opts.GraceWindow)
		for {
			if st, done, perr := h.TryWait(); done || perr != nil {
				if perr != nil {
					st = process.ExitStatus{Code: process.ExitUnknown}
				}
				return st, "graceful"
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(s.opts.StopPollInterval)
		}
		s.log.Warn("grace window elapsed, killing worker", "pid", h.PID(), "grace", s.opts.GraceWindow)
	} else if !errors.Is(err, process.ErrNoGracefulSignal) {
		s.log.Warn("graceful signal failed, killing worker", "pid", h.PID(), "error", err)
	}
	if err := h.Kill(); err != nil {
		s.log.Warn("kill failed", "pid", h.PID(), "error", err)
	}
	return h.WaitExit(killConfirmInterval), "killed"
}

// Restart stops the worker, waits the settle delay and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	metrics.IncRestart()
	if err := s.Stop(ctx); err != nil {
		return err
	}
	t := time.NewTimer(s.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Start(ctx)
}

// Health is a pure read of the current state.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Running: s.state.running,
		PID:     s.state.pid,
		RunID:   s.state.runID,
		Phase:   s.state.phase.String(),
	}
	if !s.state.lastHeartbeat.IsZero() {
		secs := int64(time.Since(s.state.lastHeartbeat) / time.Second)
		h.SecondsSinceHeartbeat = &secs
	}
	if s.state.lastError != nil {
		e := *s.state.lastError
		h.LastError = &e
	}
	if s.state.running {
		t := s.state.startedAt
		h.StartedAt = &t
	}
	return h
}

// WorkerPID returns the pid of the live worker or 0.
func (s *Supervisor) WorkerPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.running {
		return 0
	}
	return s.state.pid
}

// Shutdown stops the worker, if any, for host exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.Stop(ctx)
}

func (s *Supervisor) recordStop(runID string, pid int, startedAt time.Time, code int, lastErr *string) {
	c := code
	rec := history.Record{
		RunID:     runID,
		PID:       pid,
		Status:    history.StatusStopped,
		ExitCode:  &c,
		StartedAt: startedAt,
		StoppedAt: time.Now(),
	}
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	s.opts.History.Record(history.Event{Type: history.EventStop, OccurredAt: rec.StoppedAt, Record: rec})
}

func startErrorReason(err error) string {
	var se *SpawnError
	var lnf *locator.NotFoundError
	var wnf *workspace.NotFoundError
	var nf *NotFoundError
	var pe *workspace.ProvisionError
	switch {
	case errors.As(err, &lnf):
		return "runtime_not_found"
	case errors.As(err, &se) && se.RuntimeMissing:
		return "runtime_not_found"
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &pe):
		return "provision"
	case errors.As(err, &wnf), errors.As(err, &nf):
		return "not_found"
	case errors.Is(err, ErrSetupIncomplete):
		return "setup_incomplete"
	default:
		return "other"
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
