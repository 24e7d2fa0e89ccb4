package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestExecutionFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionRunning, schema.ExecutionWaiting, map[string]any{"stepSlug": "approve"}))
	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionWaiting, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionRunning, schema.ExecutionCompleted, nil))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionWaiting, events[1].Type)
	assert.Equal(t, schema.EventExecutionResumed, events[2].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[3].Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "approve", payload["stepSlug"])
	assert.Nil(t, events[0].Payload)
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionPending, schema.ExecutionCompleted},
		{schema.ExecutionPending, schema.ExecutionWaiting},
		{schema.ExecutionWaiting, schema.ExecutionCompleted},
		{schema.ExecutionCompleted, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionRunning, schema.ExecutionPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			app := &mockAppender{}
			err := NewExecutionFSM(app).Transition(context.Background(), "ex-1", tt.from, tt.to, nil)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
			assert.Empty(t, app.Events())
		})
	}
}

func TestExecutionFSM_EventEmitFailure(t *testing.T) {
	fsm := NewExecutionFSM(&failAppender{})
	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(id string, from, to schema.ExecutionStatus) error {
		calls = append(calls, "before:"+id)
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, func(id string, from, to schema.ExecutionStatus) error {
		calls = append(calls, "after:"+id)
		return nil
	})
	require.NoError(t, fsm.Transition(ctx, "ex-9", schema.ExecutionRunning, schema.ExecutionFailed, nil))
	assert.Equal(t, []string{"before:ex-9", "after:ex-9"}, calls)

	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(string, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return errors.New("hook failed")
	})
	err := fsm.Transition(ctx, "ex-10", schema.ExecutionPending, schema.ExecutionRunning, nil)
	assert.EqualError(t, err, "hook failed")
	assert.Len(t, app.Events(), 1, "aborted transition emits nothing")
}

func TestCanTransition_TerminalStates(t *testing.T) {
	for _, terminal := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed} {
		for _, to := range []schema.ExecutionStatus{
			schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionWaiting,
			schema.ExecutionCompleted, schema.ExecutionFailed,
		} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}
