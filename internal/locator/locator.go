// Package locator finds a JavaScript runtime on hosts where PATH is not to be
// trusted (GUI launches, minimal service environments). It tries an ordered
// list of probes and the first hit wins.
package locator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Runtime describes the interpreter to look for.
type Runtime struct {
	Binary         string // e.g. "node"
	VersionFlag    string // e.g. "--version"
	PackageManager string // e.g. "npm"
	DownloadURL    string
}

// Node is the runtime the worker is written for.
var Node = Runtime{
	Binary:         "node",
	VersionFlag:    "--version",
	PackageManager: "npm",
	DownloadURL:    "https://nodejs.org",
}

// Probe is one strategy for finding the runtime. It must be safe for
// concurrent use.
type Probe interface {
	// Find returns the runtime path when this strategy locates one.
	Find(ctx context.Context) (string, bool)
	// Describe returns a human-readable description of the strategy.
	Describe() string
}

// Result is a located runtime.
type Result struct {
	Path  string `json:"path"`
	Probe string `json:"probe"`
}

// NotFoundError reports that no probe located the runtime. It is not retried.
type NotFoundError struct {
	Runtime Runtime
	Tried   []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Runtime.Binary)
}

// Hint is the remediation shown to the operator.
func (e *NotFoundError) Hint() string {
	return fmt.Sprintf("Node.js is not installed. Download it from %s (LTS version).", e.Runtime.DownloadURL)
}

// Locator runs probes in order.
type Locator struct {
	rt     Runtime
	probes []Probe
	log    *slog.Logger
}

// New creates a locator for rt with the given probes.
func New(rt Runtime, probes ...Probe) *Locator {
	return &Locator{rt: rt, probes: probes, log: slog.Default()}
}

// Default builds the platform probe list for the Node runtime.
func Default() *Locator {
	return New(Node, DefaultProbes(Node)...)
}

// WithLogger sets the logger used for probe diagnostics.
func (l *Locator) WithLogger(lg *slog.Logger) *Locator {
	if lg != nil {
		l.log = lg
	}
	return l
}

// Runtime returns the runtime descriptor.
func (l *Locator) Runtime() Runtime { return l.rt }

// Locate returns the first runtime found, or *NotFoundError.
func (l *Locator) Locate(ctx context.Context) (Result, error) {
	tried := make([]string, 0, len(l.probes))
	for _, p := range l.probes {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if path, ok := p.Find(ctx); ok {
			l.log.Debug("runtime located", "path", path, "probe", p.Describe())
			return Result{Path: path, Probe: p.Describe()}, nil
		}
		tried = append(tried, p.Describe())
	}
	return Result{}, &NotFoundError{Runtime: l.rt, Tried: tried}
}

// PackageManager returns the package manager that ships next to the runtime,
// falling back to the bare name resolved through PATH.
func (l *Locator) PackageManager(runtimePath string) string {
	return packageManagerNear(runtimePath, l.rt.PackageManager)
}

func packageManagerNear(runtimePath, name string) string {
	dir := filepath.Dir(runtimePath)
	for _, cand := range []string{name, name + ".cmd"} {
		p := filepath.Join(dir, cand)
		if fileExists(p) {
			return p
		}
	}
	return name
}

// Version runs the runtime with its version flag and returns trimmed output.
func Version(ctx context.Context, rt Runtime, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, rt.VersionFlag).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

const versionTimeout = 5 * time.Second

// Checker decides whether a candidate path is a usable runtime.
type Checker func(ctx context.Context, path string) bool

// VersionCheck accepts a candidate when it exists and `<path> <flag>` exits 0.
func VersionCheck(flag string) Checker {
	return func(ctx context.Context, path string) bool {
		if !fileExists(path) {
			return false
		}
		ctx, cancel := context.WithTimeout(ctx, versionTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, path, flag)
		return cmd.Run() == nil
	}
}

// ExistsCheck accepts any candidate that exists.
func ExistsCheck(_ context.Context, path string) bool { return fileExists(path) }

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}

// DefaultProbes returns the ordered probe list for the current platform.
func DefaultProbes(rt Runtime) []Probe {
	if runtime.GOOS == "windows" {
		return []Probe{
			FixedPaths{Paths: []string{
				`C:\Program Files\nodejs\node.exe`,
				`C:\Program Files (x86)\nodejs\node.exe`,
			}, Check: ExistsCheck},
			Where{Binary: rt.Binary},
		}
	}
	home := homeDir()
	check := VersionCheck(rt.VersionFlag)
	nvmDir := os.Getenv("NVM_DIR")
	if nvmDir == "" {
		nvmDir = filepath.Join(home, ".nvm")
	}
	return []Probe{
		FixedPaths{Paths: []string{
			"/usr/local/bin/node",
			"/opt/homebrew/bin/node",
			filepath.Join(home, "Library/pnpm/node"),
			filepath.Join(home, ".local/share/pnpm/node"),
			filepath.Join(home, ".volta/bin/node"),
			filepath.Join(home, ".local/bin/node"),
			filepath.Join(home, "n/bin/node"),
		}, Check: check},
		NVM{Dir: nvmDir, Binary: rt.Binary, Check: check},
		FNM{Dir: filepath.Join(home, ".local/share/fnm/node-versions"), Binary: rt.Binary, Check: check},
		LoginShell{Shell: "/bin/bash", Binary: rt.Binary},
		LoginShell{Shell: "/bin/zsh", Binary: rt.Binary},
	}
}
