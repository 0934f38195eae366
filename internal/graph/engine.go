package graph

import (
	"context"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/tracing"
)

// costEstimator resolves an estimated dollar cost for a task before it is
// admitted to the pool, so the engine's budget check can compare against
// the session's budget cap without having actually run the task.
// The adapter registry supplies this; the engine takes it as a narrow
// interface to avoid importing internal/adapter.
type costEstimator interface {
	EstimateCostUSD(agentID, prompt string) float64
}

// Engine exclusively owns task-row mutation and drives the ready-task
// emitter.
// It is the sole subscriber that reacts to task:complete/task:failed by
// moving tasks out of running.
type Engine struct {
	store     *store.Store
	bus       bus.Bus
	estimator costEstimator
	logger    *logger.Logger
}

// New constructs an Engine and subscribes it to the events it owns.
// estimator may be nil, in which case budget gating treats every task's
// estimated cost as zero.
func New(st *store.Store, b bus.Bus, estimator costEstimator, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		store:     st,
		bus:       b,
		estimator: estimator,
		logger:    log.WithFields(zap.String("component", "engine")),
	}
	b.Subscribe(events.TaskStarted, e.onTaskStarted)
	b.Subscribe(events.TaskComplete, e.onTaskComplete)
	b.Subscribe(events.TaskFailed, e.onTaskFailed)
	return e
}

// SubmitAndDispatch persists a validated graph as a new session and emits
// task:ready for its initial ready set. A graph with zero tasks completes
// the session immediately.
func (e *Engine) SubmitAndDispatch(ctx context.Context, sessionID, graphSource, baseBranch string, f *File) error {
	if err := Submit(ctx, e.store, sessionID, graphSource, baseBranch, f); err != nil {
		return err
	}
	return e.Dispatch(ctx, sessionID)
}

// Dispatch recomputes the ready set for sessionID and emits task:ready for
// every newly eligible task, applying budget gating first. It also checks
// whether the session has reached completion. A session that is not active
// (paused, cancelled) gets no new work: pause lets in-flight workers
// finish but stops dispatch.
func (e *Engine) Dispatch(ctx context.Context, sessionID string) error {
	if err := e.checkSessionCompletion(ctx, sessionID); err != nil {
		return err
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != string(store.SessionActive) {
		return nil
	}

	ready, err := ComputeReadySet(ctx, e.store, sessionID)
	if err != nil {
		return err
	}

	for _, t := range ready {
		spanCtx, span := tracing.TraceEngineDispatch(ctx, sessionID, t.ID)
		admit, err := e.admitWithinBudget(spanCtx, sess, &t)
		tracing.EndWithError(span, err)
		if err != nil {
			return err
		}
		if !admit {
			continue
		}
		e.bus.Publish(events.TaskReady, events.TaskReadyPayload{SessionID: sessionID, TaskID: t.ID})
	}
	return nil
}

// admitWithinBudget applies the budget gate: if the task's estimated
// cost would push the session over its cap, the task is failed with
// budget_exceeded=true and never dispatched.
func (e *Engine) admitWithinBudget(ctx context.Context, sess *store.Session, t *store.Task) (bool, error) {
	if sess.BudgetUSD == nil {
		return true, nil
	}

	var estimated float64
	if e.estimator != nil && t.AgentID != nil {
		estimated = e.estimator.EstimateCostUSD(*t.AgentID, t.Prompt)
	}

	if sess.TotalCostUSD+estimated > *sess.BudgetUSD {
		e.logger.Warn("task exceeds session budget, not dispatching",
			zap.String("session_id", sess.ID), zap.String("task_id", t.ID),
			zap.Float64("estimated_cost", estimated), zap.Float64("budget", *sess.BudgetUSD))
		if err := e.store.MarkTaskBudgetExceeded(ctx, sess.ID, t.ID); err != nil {
			return false, err
		}
		e.audit(ctx, sess.ID, t.ID, events.TaskFailed, t.Status, string(store.TaskFailed), t.AgentID)
		return false, nil
	}
	return true, nil
}

// onTaskStarted records the running transition for a task whose worker has
// just been handed off to a subprocess. The engine is the sole writer of
// task status; the pool manager only emits events and never writes to the
// store (it only reads the task row it runs), which is what rules out
// double updates. The bus delivers events in FIFO order, so this write
// completes before any handler of the pool's subsequent worker:spawned
// event runs.
func (e *Engine) onTaskStarted(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskStartedPayload)
	if !ok {
		return nil
	}
	ctx := context.Background()
	t, err := e.store.GetTask(ctx, p.SessionID, p.TaskID)
	if err != nil {
		return err
	}
	if err := e.store.MarkTaskRunning(ctx, p.SessionID, p.TaskID, p.WorkerID); err != nil {
		return err
	}
	e.audit(ctx, p.SessionID, p.TaskID, events.TaskStarted, t.Status, string(store.TaskRunning), t.AgentID)
	return nil
}

func (e *Engine) onTaskComplete(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskCompletePayload)
	if !ok {
		return nil
	}
	ctx := context.Background()

	t, err := e.store.GetTask(ctx, p.SessionID, p.TaskID)
	if err != nil {
		return err
	}
	if isTerminalTask(t.Status) {
		return nil
	}

	var tokens events.TokensUsed
	if p.Result.TokensUsed != nil {
		tokens = *p.Result.TokensUsed
	}
	if err := e.store.MarkTaskCompleted(ctx, p.SessionID, p.TaskID, p.Result.ExitCode, tokens.Input, tokens.Output); err != nil {
		return err
	}
	e.audit(ctx, p.SessionID, p.TaskID, events.TaskComplete, t.Status, string(store.TaskCompleted), t.AgentID)
	return e.Dispatch(ctx, p.SessionID)
}

func (e *Engine) onTaskFailed(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskFailedPayload)
	if !ok {
		return nil
	}
	ctx := context.Background()

	t, err := e.store.GetTask(ctx, p.SessionID, p.TaskID)
	if err != nil {
		return err
	}
	if isTerminalTask(t.Status) {
		return nil
	}

	if err := e.store.MarkTaskFailed(ctx, p.SessionID, p.TaskID, p.Error.Message, nil); err != nil {
		return err
	}
	e.audit(ctx, p.SessionID, p.TaskID, events.TaskFailed, t.Status, string(store.TaskFailed), t.AgentID)
	return e.Dispatch(ctx, p.SessionID)
}

// isTerminalTask guards the completion/failure handlers against stomping a
// task that already left the running state. A cancel can race a worker's
// natural exit: the session controller marks the task cancelled while the
// subprocess is being torn down, and the worker's own close handler then
// publishes task:failed for it. The cancelled row must win.
func isTerminalTask(status string) bool {
	switch status {
	case string(store.TaskCompleted), string(store.TaskFailed), string(store.TaskCancelled):
		return true
	}
	return false
}

// audit appends a best-effort row to the append-only log. A write failure
// is logged and swallowed: the audit trail must never abort a status
// transition that has already been committed.
func (e *Engine) audit(ctx context.Context, sessionID, taskID, event, oldStatus, newStatus string, agent *string) {
	entry := &store.LogEntry{
		SessionID: sessionID, TaskID: &taskID, Event: event,
		OldStatus: &oldStatus, NewStatus: &newStatus, Agent: agent,
	}
	if err := e.store.InsertLogEntry(ctx, entry); err != nil {
		e.logger.Warn("failed to append audit log entry",
			zap.String("event", event), zap.String("task_id", taskID), zap.Error(err))
	}
}

// checkSessionCompletion transitions a session to completed once every task
// is in a terminal status (completed/failed/cancelled), or immediately for
// a zero-task graph.
func (e *Engine) checkSessionCompletion(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != string(store.SessionActive) {
		return nil
	}

	tasks, err := e.store.ListTasks(ctx, sessionID)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		switch t.Status {
		case string(store.TaskCompleted), string(store.TaskFailed), string(store.TaskCancelled):
			continue
		default:
			return nil
		}
	}

	return e.store.UpdateSessionStatus(ctx, sessionID, string(store.SessionCompleted))
}
