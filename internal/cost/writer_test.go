package cost

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
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

func seedSessionAndTask(t *testing.T, st *store.Store, sessionID, taskID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID: sessionID, GraphSource: "graph.yaml", Status: string(store.SessionActive), BaseBranch: "main",
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *sqlx.Tx) error {
		return st.InsertTaskTx(ctx, tx, &store.Task{
			ID: taskID, SessionID: sessionID, Name: taskID, Prompt: "do the thing",
			TaskType: "execute", Status: string(store.TaskRunning),
		})
	}))
}

func TestSplitTokens_UsesDirectionalFiguresWhenPresent(t *testing.T) {
	in, out := splitTokens(&events.TokensUsed{Input: 10, Output: 30, Total: 40})
	require.Equal(t, 10, in)
	require.Equal(t, 30, out)
}

func TestSplitTokens_FallsBackTo25_75SplitOfTotal(t *testing.T) {
	in, out := splitTokens(&events.TokensUsed{Total: 100})
	require.Equal(t, 25, in)
	require.Equal(t, 75, out)
}

func TestSplitTokens_NilIsZero(t *testing.T) {
	in, out := splitTokens(nil)
	require.Equal(t, 0, in)
	require.Equal(t, 0, out)
}

func TestWriter_OnTaskRouted_SkipsCacheWhenBillingUnavailable(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus(nil)
	w := New(st, b, nil)

	b.Publish(events.TaskRouted, events.TaskRoutedPayload{
		SessionID: "sess-1", TaskID: "task-1", BillingMode: billingModeUnavailable,
	})

	w.mu.Lock()
	_, cached := w.routes[routingKey{"sess-1", "task-1"}]
	w.mu.Unlock()
	require.False(t, cached, "an unavailable billing mode must never populate the routing cache")
}

func TestWriter_OnTaskComplete_WritesCostEntryAndUpdatesSessionTotal(t *testing.T) {
	st := newTestStore(t)
	seedSessionAndTask(t, st, "sess-1", "task-1")
	b := bus.NewMemoryBus(nil)
	w := New(st, b, nil)

	b.Publish(events.TaskRouted, events.TaskRoutedPayload{
		SessionID: "sess-1", TaskID: "task-1",
		Agent: "claude-code", Provider: "claude-code", Model: "claude-sonnet", BillingMode: "api",
	})

	costUSD := 0.42
	b.Publish(events.TaskComplete, events.TaskCompletePayload{
		SessionID: "sess-1", TaskID: "task-1", WorkerID: "w1",
		Result: events.TaskResult{
			ExitCode:   0,
			TokensUsed: &events.TokensUsed{Input: 100, Output: 200, Total: 300},
			CostUSD:    &costUSD,
		},
	})

	total, err := st.SumSessionCost(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, costUSD, total)

	task, err := st.GetTask(context.Background(), "sess-1", "task-1")
	require.NoError(t, err)
	require.Equal(t, costUSD, task.CostUSD)

	w.mu.Lock()
	_, stillCached := w.routes[routingKey{"sess-1", "task-1"}]
	w.mu.Unlock()
	require.False(t, stillCached, "routing cache entry must be consumed on completion")
}

func TestWriter_OnTaskComplete_UncachedRoutingSkipsWithoutError(t *testing.T) {
	st := newTestStore(t)
	seedSessionAndTask(t, st, "sess-1", "task-1")
	b := bus.NewMemoryBus(nil)
	_ = New(st, b, nil)

	// No task:routed was ever published for this task.
	b.Publish(events.TaskComplete, events.TaskCompletePayload{
		SessionID: "sess-1", TaskID: "task-1", WorkerID: "w1",
		Result: events.TaskResult{ExitCode: 0},
	})

	total, err := st.SumSessionCost(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestWriter_WarnOnCostDrift_LogsWhenActualExceedsEstimateByMoreThanFactor(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cost.log")
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", OutputPath: logPath})
	require.NoError(t, err)

	w := &Writer{logger: log}
	r := routing{agent: "claude-code", estimatedTokens: events.TokensUsed{Total: 100}}

	w.warnOnCostDrift("sess-1", "task-1", r, 250) // 2.5x estimate

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "adapter token estimate drifted from actual usage")
}

func TestWriter_WarnOnCostDrift_SilentWithinFactor(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cost.log")
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", OutputPath: logPath})
	require.NoError(t, err)

	w := &Writer{logger: log}
	r := routing{agent: "claude-code", estimatedTokens: events.TokensUsed{Total: 100}}

	w.warnOnCostDrift("sess-1", "task-1", r, 150) // 1.5x estimate, within 2x factor

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(contents), "adapter token estimate drifted from actual usage")
}

func TestWriter_WarnOnCostDrift_SkipsWhenEstimateIsZero(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cost.log")
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", OutputPath: logPath})
	require.NoError(t, err)

	w := &Writer{logger: log}
	r := routing{agent: "claude-code"} // zero-value estimatedTokens

	w.warnOnCostDrift("sess-1", "task-1", r, 9999)

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Empty(t, string(contents), "a zero estimate is not comparable and must never be reported as drift")
}

func TestWriter_OnTaskFailed_WritesZeroCostEntry(t *testing.T) {
	st := newTestStore(t)
	seedSessionAndTask(t, st, "sess-1", "task-1")
	b := bus.NewMemoryBus(nil)
	w := New(st, b, nil)

	b.Publish(events.TaskRouted, events.TaskRoutedPayload{
		SessionID: "sess-1", TaskID: "task-1",
		Agent: "claude-code", Provider: "claude-code", Model: "claude-sonnet", BillingMode: "api",
	})
	b.Publish(events.TaskFailed, events.TaskFailedPayload{
		SessionID: "sess-1", TaskID: "task-1", WorkerID: "w1",
		Error: events.TaskError{Message: "boom", Code: "execution_failed"},
	})

	w.mu.Lock()
	_, cached := w.routes[routingKey{"sess-1", "task-1"}]
	w.mu.Unlock()
	require.False(t, cached, "routing cache entry must be consumed on failure too")

	var entries int
	require.NoError(t, st.DB().Get(&entries,
		`SELECT COUNT(*) FROM cost_entries WHERE session_id = ? AND task_id = ?`, "sess-1", "task-1"))
	require.Equal(t, 1, entries)
	total, err := st.SumSessionCost(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Zero(t, total)
}
