package supervisor

import (
	"time"

	"github.com/loykin/botvisor/internal/detector"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
)

// Phase is the lifecycle position of the worker.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Health is a snapshot of the worker state.
type Health struct {
	Running bool `json:"running"`
	// nil until the first heartbeat of any run
	SecondsSinceHeartbeat *int64     `json:"seconds_since_heartbeat"`
	LastError             *string    `json:"last_error"`
	PID                   int        `json:"pid,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	RunID                 string     `json:"run_id,omitempty"`
	Phase                 string     `json:"phase"`
}

// workerState is guarded by Supervisor.mu. running and handle always change
// together.
type workerState struct {
	phase         Phase
	running       bool
	handle        *process.Handle
	lastHeartbeat time.Time
	lastError     *string

	generation uint64
	runID      string
	pid        int
	startedAt  time.Time
	pidFile    detector.PIDFile

	stopDone chan struct{}
}

func (s *workerState) setPhase(p Phase) {
	if s.phase == p {
		return
	}
	metrics.RecordStateTransition(s.phase.String(), p.String())
	s.phase = p
}

// clear drops the handle and returns to idle. Heartbeat and lastError survive
// so health can still report on the previous run.
func (s *workerState) clear() {
	if s.pidFile.Path != "" {
		_ = s.pidFile.Remove()
		s.pidFile = detector.PIDFile{}
	}
	s.running = false
	s.handle = nil
	s.pid = 0
	s.setPhase(PhaseIdle)
}
