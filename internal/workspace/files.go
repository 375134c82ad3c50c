package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// IsSensitive reports whether name must be written owner-only.
func IsSensitive(name string) bool {
	return strings.Contains(name, "private") || name == EnvFileName
}

// isSafeName rejects anything that is not a plain file name.
func isSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

// WriteDataFile writes contents to <dataDir>/<name>. Sensitive names get
// mode 0600 on POSIX systems.
func WriteDataFile(dataDir, name string, contents []byte) (string, error) {
	if !isSafeName(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(dataDir, name)
	mode := os.FileMode(0o644)
	if IsSensitive(name) {
		mode = 0o600
	}
	if err := os.WriteFile(path, contents, mode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if IsSensitive(name) && runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			return "", fmt.Errorf("restrict permissions on %s: %w", path, err)
		}
	}
	return path, nil
}

// WriteSecretFile writes a file that is always owner-only regardless of name.
func WriteSecretFile(dataDir, name string, contents []byte) (string, error) {
	if !isSafeName(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(dataDir, name)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			return "", fmt.Errorf("restrict permissions on %s: %w", path, err)
		}
	}
	return path, nil
}

// ReadDataFile reads <dataDir>/<name>.
func ReadDataFile(dataDir, name string) ([]byte, error) {
	if !isSafeName(name) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(dataDir, name)
	b, err := os.ReadFile(path) // #nosec G304 -- name validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return b, nil
}
