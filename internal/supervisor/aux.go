package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/metrics"
)

// AuxMode selects what the position script does.
type AuxMode string

const (
	AuxCheck AuxMode = "check"
	AuxClose AuxMode = "close"
)

// auxWaitDelay bounds how long output pipes held open by grandchildren may
// delay the return after the script is killed.
const auxWaitDelay = time.Second

// ErrNoJSONLine is wrapped by script failures where no result line was printed.
var ErrNoJSONLine = errors.New("script failed")

// CheckPosition runs the close script in check-only mode and returns its JSON
// result line.
func (s *Supervisor) CheckPosition(ctx context.Context) (string, error) {
	return s.runAux(ctx, AuxCheck)
}

// ClosePosition runs the close script and returns its JSON result line.
func (s *Supervisor) ClosePosition(ctx context.Context) (string, error) {
	return s.runAux(ctx, AuxClose)
}

func (s *Supervisor) runAux(ctx context.Context, mode AuxMode) (out string, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.IncAuxRun(string(mode), result)
	}()

	rt, err := s.loc.Locate(ctx)
	if err != nil {
		return "", err
	}
	codeDir, err := s.ws.Prepare(ctx)
	if err != nil {
		return "", err
	}
	paths, err := s.ws.Paths(codeDir)
	if err != nil {
		return "", err
	}
	script := filepath.Join(paths.CodeDir, s.opts.CloseScript)
	if !fileExists(script) {
		return "", fmt.Errorf("%s not found in bot directory", s.opts.CloseScript)
	}

	args := []string{script, paths.ConfigPath}
	if mode == AuxCheck {
		args = append(args, "--check-only")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AuxTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, rt.Path, args...)
	cmd.Dir = paths.CodeDir
	cmd.WaitDelay = auxWaitDelay
	cmd.Env = env.FromOS().
		SetIf(paths.EnvPath != "", "DOTENV_CONFIG_PATH", paths.EnvPath).
		Set("DOTENV_CONFIG_QUIET", "true").
		Set("DATA_DIR", paths.DataDir).
		Merge(s.opts.ExtraEnv)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Debug("running position script", "mode", mode, "script", script)
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("Failed to run script: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return "", fmt.Errorf("Failed to run script: %w", runErr)
	}

	// a result line wins over a non-zero exit
	if line, ok := ExtractJSONLine(stdout.String()); ok {
		return line, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoJSONLine, strings.TrimSpace(stderr.String()))
}

// ExtractJSONLine returns the last line of out that starts with '{', as
// printed. Only the output as a whole is trimmed, so an indented line does
// not count. A JSON payload spread over several lines is not recognised.
func ExtractJSONLine(out string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSuffix(lines[i], "\r")
		if strings.HasPrefix(l, "{") {
			return l, true
		}
	}
	return "", false
}
