// Package detector records the spawned worker in a pidfile and recognises it
// again after the daemon restarts, so an orphan left by a crashed daemon can
// be stopped before a second worker is spawned.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Detector reports whether a process is running. It must be safe for
// concurrent use.
type Detector interface {
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

const reapPoll = 50 * time.Millisecond

// Record is the content of a pidfile.
type Record struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// PIDFile is a two-line file: the pid, then a JSON Record carrying the
// process start time used to detect pid reuse.
type PIDFile struct {
	Path string
}

// Write records pid. The start time is sampled now.
func (f PIDFile) Write(pid int, runID string) error {
	meta, err := json.Marshal(Record{StartUnix: procStartUnix(pid), RunID: runID})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(f.Path, []byte(data), 0o600)
}

// Read parses the pidfile. A missing file yields an fs.ErrNotExist error.
func (f PIDFile) Read() (Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid pid in %s: %w", f.Path, err)
	}
	var rec Record
	if len(lines) > 1 {
		// older or hand-written files may carry only the pid
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// Remove deletes the pidfile; a missing file is not an error.
func (f PIDFile) Remove() error {
	err := os.Remove(f.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the recorded process still runs and is the one that
// was recorded.
func (f PIDFile) Alive() (bool, error) {
	rec, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return rec.alive(), nil
}

func (f PIDFile) Describe() string { return "pidfile:" + f.Path }

func (r Record) alive() bool {
	if r.StartUnix > 0 {
		if cur := procStartUnix(r.PID); cur > 0 && cur != r.StartUnix {
			return false // pid reused
		}
	}
	return pidAlive(r.PID)
}

// Reap stops the recorded process when it is still alive and its start time
// matches the record. It sends a graceful signal, then kills once grace
// elapses. It returns the reaped pid, or 0 when there
// was nothing to do. The pidfile is removed either way.
func (f PIDFile) Reap(grace time.Duration) (int, error) {
	rec, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		_ = f.Remove()
		return 0, err
	}
	defer func() { _ = f.Remove() }()
	// only signal a process whose identity is confirmed
	if rec.StartUnix == 0 || procStartUnix(rec.PID) != rec.StartUnix || !pidAlive(rec.PID) {
		return 0, nil
	}

	if err := terminatePID(rec.PID); err == nil {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !pidAlive(rec.PID) {
				return rec.PID, nil
			}
			time.Sleep(reapPoll)
		}
	}
	if err := killPID(rec.PID); err != nil {
		return rec.PID, fmt.Errorf("kill orphan %d: %w", rec.PID, err)
	}
	return rec.PID, nil
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
