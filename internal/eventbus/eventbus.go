// Package eventbus is the one-way broadcast channel from the supervisor to its
// consumers. Delivery is best-effort and at-most-once: a subscriber whose
// buffer is full misses the event, and a publish with no subscribers is dropped.
package eventbus

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event.
type EventType string

const (
	// EventRaw carries one stdout line of the worker, forwarded verbatim.
	EventRaw EventType = "raw"
	// EventLog carries one stderr line of the worker.
	EventLog EventType = "log"
	// EventError carries the consolidated stderr of a run once the stream closes.
	EventError EventType = "error"
	// EventStopped reports the worker exit with its code.
	EventStopped EventType = "stopped"
	// EventStarted reports a successful spawn.
	EventStarted EventType = "started"
	// EventProvision reports workspace provisioning progress.
	EventProvision EventType = "provision"
)

// NoExitCode is published in stopped events when the exit code is unavailable.
const NoExitCode = -1

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is a single notification on the bus.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Code    *int      `json:"code,omitempty"`
	Line    string    `json:"line,omitempty"` // EventRaw only
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Raw builds a stdout line event.
func Raw(runID, line string) Event {
	return Event{Type: EventRaw, Line: line, RunID: runID, Time: time.Now()}
}

// Log builds a structured log event.
func Log(runID, msg string) Event {
	return Event{Type: EventLog, Message: msg, RunID: runID, Time: time.Now()}
}

// Error builds a structured error event.
func Error(runID, msg string) Event {
	return Event{Type: EventError, Message: msg, RunID: runID, Time: time.Now()}
}

// Stopped builds a stopped event carrying the exit code.
func Stopped(runID string, code int) Event {
	return Event{Type: EventStopped, Code: &code, RunID: runID, Time: time.Now()}
}

// Payload renders the wire form of the event. Raw lines are returned verbatim;
// everything else is a minimal envelope with type and message (or code).
func (e Event) Payload() string {
	if e.Type == EventRaw {
		return e.Line
	}
	var b strings.Builder
	b.WriteString(`{"type":"`)
	b.WriteString(string(e.Type))
	b.WriteByte('"')
	if e.Code != nil {
		b.WriteString(`,"code":`)
		b.WriteString(strconv.Itoa(*e.Code))
	}
	if e.Message != "" || e.Code == nil {
		b.WriteString(`,"message":"`)
		b.WriteString(Escape(e.Message))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Escape escapes backslashes and double quotes. Nothing else is touched, so
// control characters inside a worker line pass through as-is.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Bus is an in-process fan-out broadcaster. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
	closed      bool
	onDrop      func(Event)
}

// New creates a bus with the default subscriber buffer.
func New() *Bus { return NewWithBuffer(DefaultBuffer) }

// NewWithBuffer creates a bus whose subscribers buffer n events each.
func NewWithBuffer(n int) *Bus {
	if n <= 0 {
		n = DefaultBuffer
	}
	return &Bus{subscribers: make(map[string]chan Event), buffer: n}
}

// OnDrop registers a callback invoked (outside any guarantee of ordering) for
// every event a subscriber could not take.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel of events and an unsubscribe function that must
// be called when the consumer is done. Unsubscribe closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			close(c)
			delete(b.subscribers, id)
		}
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are no-ops and later
// subscriptions receive an already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
