// Package history exports worker run records to external stores.
package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Status values stored in Record.Status.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Record describes one worker run.
type Record struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullTime returns nil for the zero time so SQL sinks store NULL.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullInt returns nil for a nil pointer.
func NullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// NullString returns nil for the empty string.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const (
	defaultQueue   = 64
	defaultTimeout = 5 * time.Second
)

// Recorder delivers events to every sink from one background goroutine so
// start and stop of a run reach each sink in order and never block the
// supervisor. When the queue is full the event is dropped and logged.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder starts a recorder for sinks. With no sinks Record is a no-op.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		log:     log,
		timeout: defaultTimeout,
		ch:      make(chan Event, defaultQueue),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues e for delivery.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history queue full, dropping event", "type", e.Type, "run_id", e.Record.RunID)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "run_id", e.Record.RunID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
