// Package logger builds the daemon's slog logger and the rotating files that
// capture worker output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	// DaemonLogName is the file the daemon logs to under File.Dir.
	DaemonLogName = "botvisor.log"
)

// FileConfig describes rotating file destinations.
// If StdoutPath/StderrPath are empty and Dir is set, worker files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the [log] section.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug|info|warn|error
	Format string     `mapstructure:"format"` // text|json
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// New returns a logger writing to stderr and, when File.Dir is set, to a
// rotating DaemonLogName file. The returned closer releases the file.
func New(cfg Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File.Dir != "" {
		_ = os.MkdirAll(cfg.File.Dir, 0o750)
		f := cfg.File.rotating(filepath.Join(cfg.File.Dir, DaemonLogName))
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File.Dir == "":
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessWriters returns rotating writers for a process's stdout and stderr.
// Either may be nil when neither a path nor Dir is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	fc := c.File
	stdout := fc.StdoutPath
	stderr := fc.StderrPath
	if stdout == "" && fc.Dir != "" {
		stdout = filepath.Join(fc.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && fc.Dir != "" {
		stderr = filepath.Join(fc.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = fc.rotating(stdout)
	}
	if stderr != "" {
		errW = fc.rotating(stderr)
	}
	return outW, errW, nil
}

func (fc FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(fc.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(fc.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(fc.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   fc.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
