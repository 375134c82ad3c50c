// Package botvisor supervises a single Node worker bot on the local host and
// exposes it over HTTP. The types here are the stable surface for embedding;
// everything else lives under internal/.
package botvisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/history/factory"
	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/logger"
	"github.com/loykin/botvisor/internal/metrics"
	iapi "github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/supervisor"
	"github.com/loykin/botvisor/internal/workspace"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Health = supervisor.Health

type Event = eventbus.Event

type ResolvedPaths = workspace.ResolvedPaths

type RuntimeResult = locator.Result

type HistorySink = history.Sink

// Botvisor wires the locator, workspace, supervisor, event bus and history
// recorder for one worker.
type Botvisor struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer

	bus      *eventbus.Bus
	loc      *locator.Locator
	ws       *workspace.Resolver
	prov     *workspace.Provisioner
	sup      *supervisor.Supervisor
	recorder *history.Recorder
	sampler  *metrics.Sampler
}

// Option customises New.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	sinks   []history.Sink
	locator *locator.Locator
}

// WithLogger uses lg instead of building one from the config.
func WithLogger(lg *slog.Logger) Option { return func(o *options) { o.logger = lg } }

// WithHistorySinks adds sinks on top of those configured by DSN.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithProbes replaces the default runtime probe list.
func WithProbes(p ...locator.Probe) Option {
	return func(o *options) { o.locator = locator.New(locator.Node, p...) }
}

// New builds a Botvisor from c. A nil c means defaults plus environment.
func New(c *Config, opts ...Option) (*Botvisor, error) {
	if c == nil {
		loaded, err := cfg.Load("")
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	b := &Botvisor{cfg: c, logCloser: nopCloser{}}
	if o.logger != nil {
		b.log = o.logger
	} else {
		b.log, b.logCloser = logger.New(c.Log)
	}

	b.bus = eventbus.New()
	b.bus.OnDrop(func(e eventbus.Event) { metrics.IncEventDropped(string(e.Type)) })

	b.loc = o.locator
	if b.loc == nil {
		b.loc = locator.Default()
	}
	b.loc.WithLogger(b.log)

	b.prov = workspace.NewProvisioner(b.loc, b.bus).WithLogger(b.log)
	b.ws = workspace.NewResolver(workspace.Layout{
		AppName:     c.App.Name,
		DataDir:     c.App.DataDir,
		ResourceDir: c.App.ResourceDir,
		BotDirName:  c.Worker.BundleDirName,
		EntryScript: c.Worker.Entry,
		DepsDir:     c.Worker.DepsDir,
	}, b.prov).WithLogger(b.log)

	sinks := o.sinks
	if c.History.Enabled && len(c.History.DSN) > 0 {
		s, err := factory.NewSinks(c.History.DSN)
		if err != nil {
			_ = b.logCloser.Close()
			return nil, err
		}
		sinks = append(sinks, s...)
	}
	b.recorder = history.NewRecorder(b.log, sinks...)

	extraEnv, err := c.WorkerEnv()
	if err != nil {
		_ = b.recorder.Close()
		_ = b.logCloser.Close()
		return nil, err
	}

	sopts := supervisor.Options{
		CLIScript:        c.Worker.CLI,
		CloseScript:      c.Worker.CloseScript,
		MarkerEnv:        c.Worker.MarkerEnv,
		ExtraEnv:         extraEnv,
		PollInterval:     c.Supervisor.PollInterval,
		StopPollInterval: c.Supervisor.StopPollInterval,
		GraceWindow:      c.Supervisor.GraceWindow,
		SettleDelay:      c.Supervisor.SettleDelay,
		AuxTimeout:       c.Supervisor.AuxTimeout,
		PIDFile:          c.Worker.PIDFile,
		History:          b.recorder,
		Logger:           b.log,
	}
	if c.Worker.LogOutput {
		sopts.Output = b.workerOutput
	}
	b.sup = supervisor.New(b.loc, b.ws, b.bus, sopts)
	b.sampler = metrics.NewSampler(metrics.SamplerConfig{
		Enabled:  c.Metrics.Enabled,
		Interval: c.Metrics.SampleInterval,
	}, b.sup.WorkerPID)
	return b, nil
}

// workerOutput opens rotating worker log files, under <data>/logs unless a
// log dir is configured.
func (b *Botvisor) workerOutput() (io.WriteCloser, io.WriteCloser, error) {
	lc := b.cfg.Log
	if lc.File.Dir == "" && lc.File.StdoutPath == "" && lc.File.StderrPath == "" {
		data, err := b.ws.ResolveDataDir()
		if err != nil {
			return nil, nil, err
		}
		lc.File.Dir = filepath.Join(data, "logs")
	}
	return lc.ProcessWriters("worker")
}

func (b *Botvisor) Config() *Config                    { return b.cfg }
func (b *Botvisor) Logger() *slog.Logger               { return b.log }
func (b *Botvisor) Bus() *eventbus.Bus                 { return b.bus }
func (b *Botvisor) Supervisor() *supervisor.Supervisor { return b.sup }
func (b *Botvisor) Sampler() *metrics.Sampler          { return b.sampler }

func (b *Botvisor) Start(ctx context.Context) error   { return b.sup.Start(ctx) }
func (b *Botvisor) Stop(ctx context.Context) error    { return b.sup.Stop(ctx) }
func (b *Botvisor) Restart(ctx context.Context) error { return b.sup.Restart(ctx) }
func (b *Botvisor) Health() Health                    { return b.sup.Health() }

func (b *Botvisor) CheckPosition(ctx context.Context) (string, error) {
	return b.sup.CheckPosition(ctx)
}

func (b *Botvisor) ClosePosition(ctx context.Context) (string, error) {
	return b.sup.ClosePosition(ctx)
}

// Subscribe returns a live event channel and its cancel function.
func (b *Botvisor) Subscribe() (<-chan Event, func()) { return b.bus.Subscribe() }

// Locate finds the runtime executable.
func (b *Botvisor) Locate(ctx context.Context) (RuntimeResult, error) { return b.loc.Locate(ctx) }

// Paths resolves the workspace without provisioning. CodeDir is empty when
// nothing is installed yet.
func (b *Botvisor) Paths() (ResolvedPaths, error) {
	code, _ := b.ws.ResolveCodeDir()
	return b.ws.Paths(code)
}

// Provision copies the bundled worker into the data dir and installs its
// dependencies.
func (b *Botvisor) Provision(ctx context.Context) (string, error) {
	src, err := b.ws.ResolveBundleDir()
	if err != nil {
		return "", err
	}
	dst, err := b.ws.RuntimeCodeDir()
	if err != nil {
		return "", err
	}
	return dst, b.prov.Provision(ctx, src, dst)
}

// WriteFile writes a file into the data dir; secret forces owner-only mode.
func (b *Botvisor) WriteFile(name string, contents []byte, secret bool) (string, error) {
	dir, err := b.ws.ResolveDataDir()
	if err != nil {
		return "", err
	}
	if secret {
		return workspace.WriteSecretFile(dir, name, contents)
	}
	return workspace.WriteDataFile(dir, name, contents)
}

// Router returns the HTTP API router for mounting into another server.
func (b *Botvisor) Router(basePath string) *iapi.Router {
	return iapi.NewRouter(iapi.Deps{
		Controller: b.sup,
		Events:     b.bus,
		Locator:    b.loc,
		Workspace:  b.ws,
	}, basePath)
}

// Close stops the worker, flushes history and closes the bus.
func (b *Botvisor) Close(ctx context.Context) error {
	b.sampler.Stop()
	err := b.sup.Shutdown(ctx)
	err = errors.Join(err, b.recorder.Close())
	b.bus.Close()
	return errors.Join(err, b.logCloser.Close())
}

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts an HTTP server exposing the API for b.
func NewHTTPServer(addr, basePath string, b *Botvisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, iapi.Deps{
		Controller: b.sup,
		Events:     b.bus,
		Locator:    b.loc,
		Workspace:  b.ws,
	})
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics for g.
func NewMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
