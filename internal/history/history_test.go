package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

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
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestRecorderFansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	var logs bytes.Buffer
	r := NewRecorder(slog.New(slog.NewTextHandler(&logs, nil)), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // a cancelled request must not drop history
	r.Record(ctx, Event{Type: EventStart, DeviceID: "d1", PID: 42, Port: 3001})

	require.Len(t, a.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, "d1", a.events[0].DeviceID)
	assert.Contains(t, logs.String(), "history sink failed")

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventStop})
	assert.NoError(t, r.Close())
}
