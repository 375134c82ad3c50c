// Package config loads the daemon configuration from TOML with BOTVISOR_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botvisor/internal/logger"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// BOTVISOR_SUPERVISOR_GRACE_WINDOW=5s.
const EnvPrefix = "BOTVISOR"

// FileName is the config file looked up in the data dir when no path is given.
const FileName = "botvisor.toml"

type AppConfig struct {
	Name        string `toml:"name" mapstructure:"name"`
	DataDir     string `toml:"data_dir" mapstructure:"data_dir"`
	ResourceDir string `toml:"resource_dir" mapstructure:"resource_dir"`
}

type WorkerConfig struct {
	Entry         string   `toml:"entry" mapstructure:"entry"`
	CLI           string   `toml:"cli" mapstructure:"cli"`
	CloseScript   string   `toml:"close_script" mapstructure:"close_script"`
	BundleDirName string   `toml:"bundle_dir_name" mapstructure:"bundle_dir_name"`
	DepsDir       string   `toml:"deps_dir" mapstructure:"deps_dir"`
	MarkerEnv     string   `toml:"marker_env" mapstructure:"marker_env"`
	Env           []string `toml:"env" mapstructure:"env"`
	EnvFiles      []string `toml:"env_files" mapstructure:"env_files"`
	LogOutput     bool     `toml:"log_output" mapstructure:"log_output"`
	PIDFile       string   `toml:"pid_file" mapstructure:"pid_file"`
}

type SupervisorConfig struct {
	PollInterval     time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	StopPollInterval time.Duration `toml:"stop_poll_interval" mapstructure:"stop_poll_interval"`
	GraceWindow      time.Duration `toml:"grace_window" mapstructure:"grace_window"`
	SettleDelay      time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	AuxTimeout       time.Duration `toml:"aux_timeout" mapstructure:"aux_timeout"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Listen         string        `toml:"listen" mapstructure:"listen"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSN     []string `toml:"dsn" mapstructure:"dsn"`
}

// Config is the top-level TOML structure.
type Config struct {
	App        AppConfig        `toml:"app" mapstructure:"app"`
	Worker     WorkerConfig     `toml:"worker" mapstructure:"worker"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`

	// Path is the file the config was read from, empty when none.
	Path string `toml:"-" mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hl-signalbot")
	v.SetDefault("app.data_dir", "")
	v.SetDefault("app.resource_dir", "")

	v.SetDefault("worker.entry", "index.mjs")
	v.SetDefault("worker.cli", "cli.mjs")
	v.SetDefault("worker.close_script", "close.mjs")
	v.SetDefault("worker.bundle_dir_name", "bot")
	v.SetDefault("worker.deps_dir", "node_modules")
	v.SetDefault("worker.marker_env", "TAURI=1")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.env_files", []string{})
	v.SetDefault("worker.log_output", true)
	v.SetDefault("worker.pid_file", "worker.pid")

	v.SetDefault("supervisor.poll_interval", "1s")
	v.SetDefault("supervisor.stop_poll_interval", "100ms")
	v.SetDefault("supervisor.grace_window", "3s")
	v.SetDefault("supervisor.settle_delay", "500ms")
	v.SetDefault("supervisor.aux_timeout", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:7420")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:7421")
	v.SetDefault("metrics.sample_interval", "5s")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", []string{})
}

// Load reads path (when non-empty) and applies environment overrides on top
// of the defaults. A missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Path = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDefault loads path when given, otherwise <dataDir>/botvisor.toml when
// that file exists, otherwise only defaults and environment.
func LoadDefault(path, dataDir string) (*Config, error) {
	if path == "" && dataDir != "" {
		cand := filepath.Join(dataDir, FileName)
		if _, err := os.Stat(cand); err == nil {
			path = cand
		}
	}
	return Load(path)
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Name == "" {
		errs = append(errs, errors.New("app.name must not be empty"))
	}
	if c.Worker.CLI == "" || c.Worker.Entry == "" {
		errs = append(errs, errors.New("worker.entry and worker.cli must not be empty"))
	}
	if c.Worker.MarkerEnv != "" && !strings.Contains(c.Worker.MarkerEnv, "=") {
		errs = append(errs, fmt.Errorf("worker.marker_env must be KEY=VALUE, got %q", c.Worker.MarkerEnv))
	}
	s := c.Supervisor
	if s.PollInterval <= 0 || s.StopPollInterval <= 0 {
		errs = append(errs, errors.New("supervisor poll intervals must be positive"))
	}
	if s.GraceWindow < 0 || s.SettleDelay < 0 || s.AuxTimeout < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

// WorkerEnv returns the configured extra worker environment: env_files in
// order, then the inline env list.
func (c *Config) WorkerEnv() ([]string, error) {
	var out []string
	for _, p := range c.Worker.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		out = append(out, kvs...)
	}
	return append(out, c.Worker.Env...), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Lines starting with # are ignored; surrounding quotes are
// stripped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}
