package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/graph"
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

func submitTenTaskGraph(t *testing.T, st *store.Store, sessionID string) {
	t.Helper()
	f := &graph.File{Version: "1", Tasks: map[string]graph.Task{}}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		f.Tasks[id] = graph.Task{Name: id, Prompt: "do it"}
	}
	require.NoError(t, graph.Submit(context.Background(), st, sessionID, "graph.yaml", "main", f))
}

// TestController_PauseThenCancel is scenario S4: pause a freshly submitted
// 10-task graph, then cancel it, checking session status and signal rows
// at each step.
func TestController_PauseThenCancel(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	c := New(st, b, nil)
	ctx := context.Background()

	submitTenTaskGraph(t, st, "sess-1")

	pauseResult, err := c.Pause(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 10, pauseResult.PendingTasks)
	require.Equal(t, 0, pauseResult.CompletedTasks)

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionPaused), sess.Status)

	signals, err := st.ListUnprocessedSignals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, string(store.SignalPause), signals[0].Signal)
	require.Nil(t, signals[0].ProcessedAt)

	cancelResult, err := c.Cancel(ctx, "sess-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, cancelResult.CancelledTasks)

	sess, err = st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionCancelled), sess.Status)

	tasks, err := st.ListTasks(ctx, "sess-1")
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, string(store.TaskCancelled), task.Status)
	}

	signals, err = st.ListUnprocessedSignals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, signals, 2)

	_, err = c.Cancel(ctx, "sess-1")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, 2, apiErr.ExitCode())
}

// TestController_PauseOnNonActiveSessionIsUsageError checks that pausing a
// non-active session is refused without mutating anything.
func TestController_PauseOnNonActiveSessionIsUsageError(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	c := New(st, b, nil)
	ctx := context.Background()

	submitTenTaskGraph(t, st, "sess-1")
	_, err := c.Pause(ctx, "sess-1")
	require.NoError(t, err)

	_, err = c.Pause(ctx, "sess-1")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, 2, apiErr.ExitCode())

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionPaused), sess.Status)
}

// TestController_ResumeReturnsSessionToActive checks pause-then-resume
// round-trips the session status back to active.
func TestController_ResumeReturnsSessionToActive(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	c := New(st, b, nil)
	ctx := context.Background()

	submitTenTaskGraph(t, st, "sess-1")
	_, err := c.Pause(ctx, "sess-1")
	require.NoError(t, err)

	resumeResult, err := c.Resume(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 10, resumeResult.PendingTasks)

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(store.SessionActive), sess.Status)

	signals, err := st.ListUnprocessedSignals(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, signals, 2)
}
