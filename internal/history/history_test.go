package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRecorderDeliversInOrder(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)

	code := 0
	r.Record(Event{Type: EventStart, Record: Record{RunID: "r1", PID: 10, Status: StatusRunning}})
	r.Record(Event{Type: EventStop, Record: Record{RunID: "r1", PID: 10, Status: StatusStopped, ExitCode: &code}})
	require.NoError(t, r.Close())

	for _, s := range []*memSink{a, b} {
		require.Len(t, s.events, 2)
		assert.Equal(t, EventStart, s.events[0].Type)
		assert.Equal(t, EventStop, s.events[1].Type)
		assert.False(t, s.events[0].OccurredAt.IsZero())
		assert.True(t, s.closed)
	}

	// after close, Record is ignored
	r.Record(Event{Type: EventStart})
	assert.Len(t, a.events, 2)
	require.NoError(t, r.Close())
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(Event{Type: EventStart})
	require.NoError(t, r.Close())

	var nilRec *Recorder
	nilRec.Record(Event{Type: EventStart})
	require.NoError(t, nilRec.Close())
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, NullTime(time.Time{}))
	now := time.Now()
	assert.Equal(t, now.UTC(), NullTime(now))
	assert.Nil(t, NullInt(nil))
	v := 3
	assert.Equal(t, 3, NullInt(&v))
	assert.Nil(t, NullString(""))
	assert.Equal(t, "x", NullString("x"))
}
