// Package workspace resolves where the worker's code and data live and
// provisions a writable copy of the bundled code on first run.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultAppName     = "hl-signalbot"
	DefaultBotDirName  = "bot"
	DefaultEntryScript = "index.mjs"
	DefaultDepsDir     = "node_modules"
	ConfigFileName     = "config.json"
	EnvFileName        = ".env"
)

// Layout names the files and directories that make up a workspace.
type Layout struct {
	AppName     string // data dir name under the user config dir
	DataDir     string // overrides <user config dir>/<AppName>
	ResourceDir string // optional install resource dir holding <BotDirName>
	BotDirName  string
	EntryScript string
	DepsDir     string
}

func (l Layout) withDefaults() Layout {
	if l.AppName == "" {
		l.AppName = DefaultAppName
	}
	if l.BotDirName == "" {
		l.BotDirName = DefaultBotDirName
	}
	if l.EntryScript == "" {
		l.EntryScript = DefaultEntryScript
	}
	if l.DepsDir == "" {
		l.DepsDir = DefaultDepsDir
	}
	return l
}

// ResolvedPaths is computed fresh for every operation.
type ResolvedPaths struct {
	CodeDir     string   `json:"code_dir"`
	DataDir     string   `json:"data_dir"`
	ConfigPath  string   `json:"config_path"`
	EnvPath     string   `json:"env_path,omitempty"` // empty when <data>/.env is absent
	SecretFiles []string `json:"secret_files,omitempty"`
}

// NotFoundError reports a missing directory or file the operation requires.
type NotFoundError struct {
	What  string
	Path  string
	Tried []string
	Hint  string
}

func (e *NotFoundError) Error() string {
	msg := e.What + " not found"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

// Resolver locates the code and data directories.
type Resolver struct {
	layout Layout
	prov   *Provisioner
	log    *slog.Logger

	// overridable for tests
	getwd      func() (string, error)
	executable func() (string, error)
	configDir  func() (string, error)
}

// NewResolver creates a resolver. prov may be nil, in which case Prepare
// never provisions.
func NewResolver(layout Layout, prov *Provisioner) *Resolver {
	return &Resolver{
		layout:     layout.withDefaults(),
		prov:       prov,
		log:        slog.Default(),
		getwd:      os.Getwd,
		executable: os.Executable,
		configDir:  os.UserConfigDir,
	}
}

// WithLogger sets the resolver's logger.
func (r *Resolver) WithLogger(lg *slog.Logger) *Resolver {
	if lg != nil {
		r.log = lg
	}
	return r
}

// Layout returns the effective layout.
func (r *Resolver) Layout() Layout { return r.layout }

// ResolveDataDir returns the per-user data directory, creating it if absent.
// It does not depend on the code dir.
func (r *Resolver) ResolveDataDir() (string, error) {
	dir := r.layout.DataDir
	if dir == "" {
		base, err := r.configDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		dir = filepath.Join(base, r.layout.AppName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

// RuntimeCodeDir is where a provisioned copy lives.
func (r *Resolver) RuntimeCodeDir() (string, error) {
	data, err := r.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, r.layout.BotDirName), nil
}

// codeCandidates lists code dir candidates in priority order.
func (r *Resolver) codeCandidates() []string {
	var out []string
	if cwd, err := r.getwd(); err == nil {
		out = append(out,
			filepath.Join(cwd, r.layout.BotDirName),
			filepath.Join(filepath.Dir(cwd), r.layout.BotDirName),
		)
	}
	if d, err := r.RuntimeCodeDir(); err == nil {
		out = append(out, d)
	}
	return append(out, r.bundleCandidates()...)
}

func (r *Resolver) bundleCandidates() []string {
	var out []string
	if exe, err := r.executable(); err == nil {
		dir := filepath.Dir(exe)
		out = append(out,
			filepath.Join(dir, r.layout.BotDirName),
			filepath.Join(dir, "..", "Resources", r.layout.BotDirName),
		)
	}
	if r.layout.ResourceDir != "" {
		out = append(out, filepath.Join(r.layout.ResourceDir, r.layout.BotDirName))
	}
	return out
}

// ResolveCodeDir returns the first candidate holding both the entry script
// and the installed dependency dir.
func (r *Resolver) ResolveCodeDir() (string, error) {
	cands := r.codeCandidates()
	for _, d := range cands {
		if isFile(filepath.Join(d, r.layout.EntryScript)) && isDir(filepath.Join(d, r.layout.DepsDir)) {
			return filepath.Clean(d), nil
		}
	}
	return "", &NotFoundError{What: "bot directory", Tried: cands}
}

// ResolveBundleDir returns the read-only bundled source: the first install
// candidate holding the entry script.
func (r *Resolver) ResolveBundleDir() (string, error) {
	cands := r.bundleCandidates()
	for _, d := range cands {
		if isFile(filepath.Join(d, r.layout.EntryScript)) {
			return filepath.Clean(d), nil
		}
	}
	return "", &NotFoundError{What: "bundled bot files", Tried: cands, Hint: "Reinstall the app."}
}

// Prepare returns a usable code dir, provisioning the bundle into the data
// dir when nothing is installed yet.
func (r *Resolver) Prepare(ctx context.Context) (string, error) {
	dir, err := r.ResolveCodeDir()
	if err == nil {
		return dir, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || r.prov == nil {
		return "", err
	}
	src, berr := r.ResolveBundleDir()
	if berr != nil {
		return "", berr
	}
	target, terr := r.RuntimeCodeDir()
	if terr != nil {
		return "", terr
	}
	r.log.Info("provisioning worker runtime", "source", src, "target", target)
	if perr := r.prov.Provision(ctx, src, target); perr != nil {
		return "", perr
	}
	return target, nil
}

// Paths builds ResolvedPaths for codeDir. Nothing is cached.
func (r *Resolver) Paths(codeDir string) (ResolvedPaths, error) {
	data, err := r.ResolveDataDir()
	if err != nil {
		return ResolvedPaths{}, err
	}
	p := ResolvedPaths{
		CodeDir:    codeDir,
		DataDir:    data,
		ConfigPath: filepath.Join(data, ConfigFileName),
	}
	if envPath := filepath.Join(data, EnvFileName); isFile(envPath) {
		p.EnvPath = envPath
	}
	p.SecretFiles = secretFiles(data)
	return p, nil
}

func secretFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.Contains(e.Name(), "private") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
