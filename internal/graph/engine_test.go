package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "substrate.db")
	st, err := store.Open(context.Background(), config.StoreConfig{Driver: "sqlite", Path: dbPath}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestEngine_EmptyGraphCompletesImmediately is scenario S1: a zero-task
// graph's session transitions straight to completed.
func TestEngine_EmptyGraphCompletesImmediately(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	e := New(st, b, nil, nil)

	f := &File{Version: "1", Tasks: map[string]Task{}}
	require.NoError(t, e.SubmitAndDispatch(context.Background(), "sess-1", "graph.yaml", "main", f))

	sess, err := st.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionCompleted), sess.Status)
}

// TestEngine_LinearChain is scenario S2: A -> B -> C, with only A ready
// initially, and the session completing once C completes.
func TestEngine_LinearChain(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	e := New(st, b, nil, nil)

	var readyTaskIDs []string
	b.Subscribe(events.TaskReady, func(_ string, payload interface{}) error {
		p := payload.(events.TaskReadyPayload)
		readyTaskIDs = append(readyTaskIDs, p.TaskID)
		return nil
	})

	claude := "claude-code"
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Prompt: "do a", Agent: &claude},
		"b": {Name: "b", Prompt: "do b", Agent: &claude, DependsOn: []string{"a"}},
		"c": {Name: "c", Prompt: "do c", Agent: &claude, DependsOn: []string{"b"}},
	}}
	require.NoError(t, e.SubmitAndDispatch(context.Background(), "sess-1", "graph.yaml", "main", f))
	require.Equal(t, []string{"a"}, readyTaskIDs)

	readyTaskIDs = nil
	b.Publish(events.TaskComplete, events.TaskCompletePayload{
		SessionID: "sess-1", TaskID: "a", WorkerID: "w1",
		Result: events.TaskResult{ExitCode: 0},
	})
	require.Equal(t, []string{"b"}, readyTaskIDs)

	readyTaskIDs = nil
	b.Publish(events.TaskComplete, events.TaskCompletePayload{
		SessionID: "sess-1", TaskID: "b", WorkerID: "w2",
		Result: events.TaskResult{ExitCode: 0},
	})
	require.Equal(t, []string{"c"}, readyTaskIDs)

	b.Publish(events.TaskComplete, events.TaskCompletePayload{
		SessionID: "sess-1", TaskID: "c", WorkerID: "w3",
		Result: events.TaskResult{ExitCode: 0},
	})

	sess, err := st.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionCompleted), sess.Status)
}

// TestEngine_BudgetGatingFailsTaskWithoutDispatch checks the budget gate:
// a task whose estimated cost would exceed the session budget is failed
// with budget_exceeded set, and never published as task:ready.
func TestEngine_BudgetGatingFailsTaskWithoutDispatch(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)

	var readyTaskIDs []string
	b.Subscribe(events.TaskReady, func(_ string, payload interface{}) error {
		p := payload.(events.TaskReadyPayload)
		readyTaskIDs = append(readyTaskIDs, p.TaskID)
		return nil
	})

	estimator := fakeEstimator(1.0)
	e := New(st, b, estimator, nil)

	budget := 0.5
	claude := "claude-code"
	f := &File{
		Version: "1",
		Session: SessionSpec{BudgetUSD: &budget},
		Tasks: map[string]Task{
			"a": {Name: "a", Prompt: "expensive task", Agent: &claude},
		},
	}
	require.NoError(t, e.SubmitAndDispatch(context.Background(), "sess-1", "graph.yaml", "main", f))

	require.Empty(t, readyTaskIDs)

	task, err := st.GetTask(context.Background(), "sess-1", "a")
	require.NoError(t, err)
	require.Equal(t, string(store.TaskFailed), task.Status)
	require.True(t, task.BudgetExceeded)
}

// TestEngine_PausedSessionGetsNoNewWork checks that pausing a session
// stops dispatch of new tasks while leaving their rows untouched.
func TestEngine_PausedSessionGetsNoNewWork(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	e := New(st, b, nil, nil)
	ctx := context.Background()

	var readyTaskIDs []string
	b.Subscribe(events.TaskReady, func(_ string, payload interface{}) error {
		p := payload.(events.TaskReadyPayload)
		readyTaskIDs = append(readyTaskIDs, p.TaskID)
		return nil
	})

	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Prompt: "do a"},
	}}
	require.NoError(t, Submit(ctx, st, "sess-1", "graph.yaml", "main", f))
	require.NoError(t, st.UpdateSessionStatus(ctx, "sess-1", string(store.SessionPaused)))

	require.NoError(t, e.Dispatch(ctx, "sess-1"))
	require.Empty(t, readyTaskIDs)

	task, err := st.GetTask(ctx, "sess-1", "a")
	require.NoError(t, err)
	require.Equal(t, string(store.TaskPending), task.Status)
}

type fakeEstimator float64

func (f fakeEstimator) EstimateCostUSD(_, _ string) float64 { return float64(f) }
