package supervisor

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
)

// MaxLineBytes caps a single worker output line; the rest of the line is
// discarded.
const MaxLineBytes = 1 << 20

// lineReader yields lines without the trailing newline. A final line with no
// newline is still returned.
type lineReader struct {
	r     *bufio.Reader
	limit int
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

func (lr *lineReader) next() (string, error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if room := lr.limit - len(buf); room > 0 {
			if len(chunk) > room {
				buf = append(buf, chunk[:room]...)
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			return trimEOL(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case len(buf) > 0:
			return trimEOL(buf), nil
		default:
			return "", err
		}
	}
}

func trimEOL(b []byte) string {
	s := string(b)
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

func (s *Supervisor) readStdout(gen uint64, runID string, r io.ReadCloser, tee io.WriteCloser) {
	defer func() { _ = r.Close() }()
	if tee != nil {
		defer func() { _ = tee.Close() }()
	}
	lr := newLineReader(r, MaxLineBytes)
	for {
		line, err := lr.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stdout read ended", "run_id", runID, "error", err)
			}
			return
		}
		s.heartbeat(gen)
		s.publish(eventbus.Raw(runID, line))
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		metrics.IncLine("stdout")
	}
}

func (s *Supervisor) readStderr(gen uint64, runID string, r io.ReadCloser, tee io.WriteCloser) {
	defer func() { _ = r.Close() }()
	if tee != nil {
		defer func() { _ = tee.Close() }()
	}
	var lines []string
	lr := newLineReader(r, MaxLineBytes)
	for {
		line, err := lr.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stderr read ended", "run_id", runID, "error", err)
			}
			break
		}
		lines = append(lines, line)
		s.publish(eventbus.Log(runID, line))
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		metrics.IncLine("stderr")
	}
	if len(lines) == 0 {
		return
	}
	s.publish(eventbus.Error(runID, strings.Join(lines, " | ")))
	joined := strings.Join(lines, "\n")
	s.mu.Lock()
	if s.state.generation == gen {
		s.state.lastError = &joined
	}
	s.mu.Unlock()
}

// heartbeat moves lastHeartbeat forward for the current run only.
func (s *Supervisor) heartbeat(gen uint64) {
	now := time.Now()
	s.mu.Lock()
	if s.state.generation == gen && s.state.running && now.After(s.state.lastHeartbeat) {
		s.state.lastHeartbeat = now
	}
	s.mu.Unlock()
}

// watchExit polls the handle until the process ends, a stop takes over, or a
// newer run replaces this one.
func (s *Supervisor) watchExit(gen uint64, runID string, h *process.Handle) {
	for {
		time.Sleep(s.opts.PollInterval)

		s.mu.Lock()
		stale := s.state.generation != gen || s.state.handle != h || s.state.phase == PhaseStopping
		s.mu.Unlock()
		if stale {
			return
		}

		st, done, err := h.TryWait()
		if err != nil {
			s.log.Warn("exit poll failed, treating as exited", "pid", h.PID(), "error", err)
			st, done = process.ExitStatus{Code: process.ExitUnknown}, true
		}
		if !done {
			continue
		}

		s.mu.Lock()
		if s.state.generation != gen || s.state.handle != h || s.state.phase == PhaseStopping {
			s.mu.Unlock()
			return
		}
		startedAt := s.state.startedAt
		lastErr := s.state.lastError
		s.state.clear()
		s.publish(eventbus.Stopped(runID, st.Code))
		s.mu.Unlock()

		s.log.Info("worker exited", "pid", h.PID(), "run_id", runID, "status", st.String())
		s.recordStop(runID, h.PID(), startedAt, st.Code, lastErr)
		metrics.IncStop("exited")
		metrics.SetRunning(false)
		return
	}
}
