package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisor"
)

// LockFileName guards the data dir against a second daemon.
const LockFileName = "botvisor.lock"

const shutdownTimeout = 10 * time.Second

func runServeCommand(global *GlobalFlags, flags *ServeFlags) error {
	cfg, err := loadConfig(global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	b, err := botvisor.New(cfg)
	if err != nil {
		return err
	}
	log := b.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := b.Paths()
	if err != nil {
		_ = b.Close(ctx)
		return err
	}
	lock, err := acquireLock(paths.DataDir)
	if err != nil {
		_ = b.Close(ctx)
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			log.Warn("failed to write pid file", "path", flags.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	errCh := make(chan error, 2)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		if err := botvisor.RegisterMetrics(reg); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if err := b.Sampler().RegisterMetrics(reg); err != nil {
			log.Warn("failed to register process metrics", "error", err)
		}
		b.Sampler().Start(ctx)
		metricsSrv = botvisor.NewMetricsServer(cfg.Metrics.Listen, reg)
		serve(metricsSrv, errCh, log, "metrics")
	}

	api := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           b.Router(cfg.Server.BasePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := serve(api, errCh, log, "api"); err != nil {
		shutdown(b, metricsSrv, nil, log)
		return err
	}
	log.Info("botvisor listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "data_dir", paths.DataDir)

	if flags.StartBot {
		if err := b.Start(ctx); err != nil {
			log.Error("failed to start bot", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server stopped", "error", err)
	}
	shutdown(b, metricsSrv, api, log)
	return err
}

// serve binds synchronously so address errors surface, then serves in the
// background.
func serve(srv *http.Server, errCh chan<- error, log *slog.Logger, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		if name == "metrics" {
			log.Warn("metrics server disabled", "addr", srv.Addr, "error", err)
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

func shutdown(b *botvisor.Botvisor, metricsSrv, api *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// SSE streams never go idle, so the API is closed rather than drained.
	if api != nil {
		_ = api.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	if err := b.Close(ctx); err != nil {
		log.Warn("shutdown", "error", err)
	}
}

// acquireLock takes the single-instance lock in dataDir.
func acquireLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("botvisor already running for %s (lock held by another process)", dataDir)
	}
	return lock, nil
}
