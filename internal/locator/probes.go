package locator

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// FixedPaths checks well-known absolute install locations in order.
type FixedPaths struct {
	Paths []string
	Check Checker
}

func (p FixedPaths) Find(ctx context.Context) (string, bool) {
	return firstAccepted(ctx, p.Paths, p.Check)
}

func (p FixedPaths) Describe() string { return "fixed:" + strings.Join(p.Paths, ",") }

// NVM resolves the default alias of a node version manager install.
type NVM struct {
	Dir    string // $NVM_DIR
	Binary string
	Check  Checker
}

// Candidates lists <Dir>/versions/node/<entry>/bin/<Binary> for every entry
// matching the default alias ("v<alias>" exactly or as a prefix).
func (p NVM) Candidates() []string {
	b, err := os.ReadFile(filepath.Join(p.Dir, "alias", "default"))
	if err != nil {
		return nil
	}
	marker := "v" + strings.TrimPrefix(strings.TrimSpace(string(b)), "v")
	if marker == "v" {
		return nil
	}
	var out []string
	for _, name := range dirNames(filepath.Join(p.Dir, "versions", "node")) {
		if strings.HasPrefix(name, marker) {
			out = append(out, filepath.Join(p.Dir, "versions", "node", name, "bin", p.Binary))
		}
	}
	return out
}

func (p NVM) Find(ctx context.Context) (string, bool) {
	return firstAccepted(ctx, p.Candidates(), p.Check)
}

func (p NVM) Describe() string { return "nvm:" + p.Dir }

// FNM checks every installed version of the fast node manager.
type FNM struct {
	Dir    string // node-versions directory
	Binary string
	Check  Checker
}

func (p FNM) Candidates() []string {
	var out []string
	for _, name := range dirNames(p.Dir) {
		out = append(out, filepath.Join(p.Dir, name, "installation", "bin", p.Binary))
	}
	return out
}

func (p FNM) Find(ctx context.Context) (string, bool) {
	return firstAccepted(ctx, p.Candidates(), p.Check)
}

func (p FNM) Describe() string { return "fnm:" + p.Dir }

// LoginShell asks a login shell for the binary so the user's profile PATH
// applies.
type LoginShell struct {
	Shell  string
	Binary string
}

func (p LoginShell) Find(ctx context.Context) (string, bool) {
	if !fileExists(p.Shell) {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	// #nosec G204 -- shell path and binary come from configuration, not input
	out, err := exec.CommandContext(ctx, p.Shell, "-lc", "which "+p.Binary).Output()
	if err != nil {
		return "", false
	}
	path := strings.TrimSpace(string(out))
	if path == "" || !fileExists(path) {
		return "", false
	}
	return path, true
}

func (p LoginShell) Describe() string { return "login-shell:" + p.Shell }

// Where uses the Windows `where` command and takes its first line.
type Where struct {
	Binary string
}

func (p Where) Find(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "where", p.Binary).Output()
	if err != nil {
		return "", false
	}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	if sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, true
		}
	}
	return "", false
}

func (p Where) Describe() string { return "where:" + p.Binary }

func firstAccepted(ctx context.Context, candidates []string, check Checker) (string, bool) {
	if check == nil {
		check = ExistsCheck
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return "", false
		}
		if check(ctx, c) {
			return c, true
		}
	}
	return "", false
}

// dirNames returns sorted entry names of dir; unreadable dirs yield nothing.
func dirNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
