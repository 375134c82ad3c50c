package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/metrics"
)

const (
	// LockSuffix names the cross-process lock taken next to the target dir.
	LockSuffix = ".provision.lock"
	// StagingSuffix names the dir an install runs in before it replaces the
	// target.
	StagingSuffix = ".staging"
)

// installWaitDelay bounds how long pipes held open by install scripts may
// delay a cancelled install.
const installWaitDelay = 2 * time.Second

var copySuffixes = []string{".mjs", ".json", ".example"}

// RuntimeFinder locates the runtime and its package manager.
type RuntimeFinder interface {
	Locate(ctx context.Context) (locator.Result, error)
	PackageManager(runtimePath string) string
}

// Publisher receives provisioning progress events.
type Publisher interface {
	Publish(e eventbus.Event)
}

// ProvisionError carries the package manager output of a failed install.
type ProvisionError struct {
	Output string
	Err    error
}

func (e *ProvisionError) Error() string {
	out := strings.TrimSpace(e.Output)
	switch {
	case out == "" && e.Err != nil:
		return "npm install failed: " + e.Err.Error()
	case errors.Is(e.Err, context.Canceled), errors.Is(e.Err, context.DeadlineExceeded):
		return fmt.Sprintf("npm install failed: %v: %s", e.Err, out)
	default:
		return "npm install failed: " + out
	}
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner copies the bundled worker into a writable dir and installs its
// production dependencies.
type Provisioner struct {
	finder    RuntimeFinder
	pub       Publisher
	log       *slog.Logger
	lockRetry time.Duration
}

// NewProvisioner creates a provisioner. pub may be nil.
func NewProvisioner(finder RuntimeFinder, pub Publisher) *Provisioner {
	return &Provisioner{finder: finder, pub: pub, log: slog.Default(), lockRetry: 200 * time.Millisecond}
}

// WithLogger sets the provisioner's logger.
func (p *Provisioner) WithLogger(lg *slog.Logger) *Provisioner {
	if lg != nil {
		p.log = lg
	}
	return p
}

// Provision copies source into a staging dir next to target, runs
// `<npm> install --production` there and replaces target with it once the
// install exits zero. A failed or cancelled install leaves target as it was
// and removes the staging dir. Running it again on a provisioned target
// succeeds without harm.
func (p *Provisioner) Provision(ctx context.Context, source, target string) (err error) {
	p.publish("provisioning " + target)
	defer func() {
		if err != nil {
			metrics.IncProvision("failed")
			p.publish("provisioning failed: " + err.Error())
			return
		}
		metrics.IncProvision("ok")
		p.publish("provisioning done")
	}()

	target = filepath.Clean(target)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("cannot create bot runtime dir: %w", err)
	}

	fl := flock.New(target + LockSuffix)
	locked, err := fl.TryLockContext(ctx, p.lockRetry)
	if err != nil {
		return fmt.Errorf("acquire provision lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire provision lock: %s is held", fl.Path())
	}
	defer func() { _ = fl.Unlock() }()

	rt, err := p.finder.Locate(ctx)
	if err != nil {
		return err
	}
	npm := p.finder.PackageManager(rt.Path)

	// leftovers of an interrupted run are never trusted
	staging := target + StagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("cannot create bot runtime dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	p.copyBundle(source, staging)

	// #nosec G204 -- package manager path comes from the locator
	cmd := exec.CommandContext(ctx, npm, "install", "--production")
	cmd.Dir = staging
	cmd.WaitDelay = installWaitDelay
	// package manager scripts start with `#!/usr/bin/env node`
	cmd.Env = env.FromOS().
		Set("PATH", filepath.Dir(rt.Path)+string(os.PathListSeparator)+"${PATH}").
		Merge(nil)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		p.log.Error("npm install failed", "dir", staging, "error", err)
		return &ProvisionError{Output: string(out), Err: err}
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("replace bot runtime dir: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("replace bot runtime dir: %w", err)
	}
	p.log.Info("worker runtime provisioned", "dir", target, "npm", npm)
	return nil
}

// copyBundle copies top-level files with a known suffix. A file that fails
// to copy is logged and skipped.
func (p *Provisioner) copyBundle(source, target string) {
	entries, err := os.ReadDir(source)
	if err != nil {
		p.log.Warn("read bundle dir", "dir", source, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !hasCopySuffix(e.Name()) {
			continue
		}
		if err := copyFile(filepath.Join(source, e.Name()), filepath.Join(target, e.Name())); err != nil {
			p.log.Warn("skip bundle file", "file", e.Name(), "error", err)
		}
	}
}

func hasCopySuffix(name string) bool {
	for _, s := range copySuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (p *Provisioner) publish(msg string) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(eventbus.Event{Type: eventbus.EventProvision, Message: msg, Time: time.Now()})
}
