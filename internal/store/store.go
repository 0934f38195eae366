// Package store is the embedded relational state store: sessions, tasks,
// dependency edges, session signals, cost entries, and the log. It is the
// one shared mutable resource in the orchestrator; every other subsystem
// either owns a disjoint slice of these rows or reacts to events the owner
// publishes after a write, per the ownership rules in the design notes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store/dialect"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sqlx.DB configured per the driver in cfg and exposes
// synchronous, single-statement CRUD helpers for every entity in the data
// model. All write methods are safe to call from the single logical
// coordinator goroutine; the underlying driver serializes writes.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *logger.Logger
}

// Open opens the store at the location described by cfg, applying pragmas
// and running any pending migrations before returning.
func Open(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}

	var (
		rawDB *sql.DB
		err   error
	)
	switch cfg.Driver {
	case "postgres":
		rawDB, err = openPostgres(cfg.DSN)
	default:
		rawDB, err = openSQLite(cfg.Path)
	}
	if err != nil {
		return nil, apierrors.System(err, "failed to open state store")
	}

	driverName := dialect.SQLite3
	if cfg.Driver == "postgres" {
		driverName = dialect.PGX
	}

	db := sqlx.NewDb(rawDB, driverName)
	s := &Store{db: db, driver: driverName, logger: log.WithFields(zap.String("component", "store"))}

	if err := runMigrations(ctx, db, migrations()); err != nil {
		db.Close()
		return nil, apierrors.System(err, "migration failed")
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlx handle, for callers (e.g. the graph
// engine's atomic session+tasks+edges insert) that need a transaction
// spanning multiple entities.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- sessions ----------------------------------------------------------

// CreateSession inserts a new session row. The caller is expected to have
// validated that no session with this id already exists.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, graph_source, status, base_branch, budget_usd, total_cost_usd, planning_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.GraphSource, sess.Status, sess.BaseBranch, sess.BudgetUSD, sess.TotalCostUSD, sess.PlanningCostUSD, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// CreateSessionTx is CreateSession scoped to a caller-owned transaction, so
// a session and its tasks/edges commit atomically on graph submission.
func (s *Store) CreateSessionTx(ctx context.Context, tx *sqlx.Tx, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (id, graph_source, status, base_branch, budget_usd, total_cost_usd, planning_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.GraphSource, sess.Status, sess.BaseBranch, sess.BudgetUSD, sess.TotalCostUSD, sess.PlanningCostUSD, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSessionStatus sets a session's status and updated_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	return err
}

// UpdateSessionStatusTx is UpdateSessionStatus scoped to a caller-owned
// transaction, used by the session controller so the status update and
// signal insert commit atomically.
func (s *Store) UpdateSessionStatusTx(ctx context.Context, tx *sqlx.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	return err
}

// AddSessionCostTx adds delta to a session's accumulated cost within tx.
func (s *Store) AddSessionCostTx(ctx context.Context, tx *sqlx.Tx, id string, delta float64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE sessions SET total_cost_usd = total_cost_usd + ?, updated_at = ? WHERE id = ?`),
		delta, time.Now().UTC(), id)
	return err
}

// ListNonTerminalSessions returns every session not in a terminal status,
// for crash recovery to scan on startup.
func (s *Store) ListNonTerminalSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(
		`SELECT * FROM sessions WHERE status NOT IN (?, ?, ?)`),
		string(SessionCompleted), string(SessionCancelled), string(SessionAbandoned))
	return sessions, err
}

// FindFirstInterruptedSession returns the first session in status
// `interrupted`, or ErrNotFound if none exists.
func (s *Store) FindFirstInterruptedSession(ctx context.Context) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(
		`SELECT * FROM sessions WHERE status = ? ORDER BY created_at ASC LIMIT 1`),
		string(SessionInterrupted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ArchiveSession moves a session to status `abandoned`.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	return s.UpdateSessionStatus(ctx, id, string(SessionAbandoned))
}

// ---- tasks --------------------------------------------------------------

// InsertTaskTx inserts a task row within tx, for atomic graph submission.
func (s *Store) InsertTaskTx(ctx context.Context, tx *sqlx.Tx, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tasks (id, session_id, name, prompt, task_type, status, agent_id, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.SessionID, t.Name, t.Prompt, t.TaskType, t.Status, t.AgentID, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	return err
}

// InsertTaskDependencyTx inserts a dependency edge within tx.
func (s *Store) InsertTaskDependencyTx(ctx context.Context, tx *sqlx.Tx, dep *TaskDependency) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_dependencies (session_id, task_id, depends_on) VALUES (?, ?, ?)
	`), dep.SessionID, dep.TaskID, dep.DependsOn)
	return err
}

// GetTask fetches one task by session id and task id.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, s.db.Rebind(
		`SELECT * FROM tasks WHERE session_id = ? AND id = ?`), sessionID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns every task in a session, ordered by id for deterministic
// display.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(
		`SELECT * FROM tasks WHERE session_id = ? ORDER BY id`), sessionID)
	return tasks, err
}

// ListTasksByStatus returns tasks in a session matching status.
func (s *Store) ListTasksByStatus(ctx context.Context, sessionID, status string) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(
		`SELECT * FROM tasks WHERE session_id = ? AND status = ? ORDER BY id`), sessionID, status)
	return tasks, err
}

// ListAllTaskIDs returns the distinct set of task ids across every session,
// used by worktree orphan detection: a worktree directory whose name matches
// no task id in any session is left over from a deleted or corrupted store.
func (s *Store) ListAllTaskIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT id FROM tasks`)
	return ids, err
}

// ListTaskDependencies returns every dependency edge in a session.
func (s *Store) ListTaskDependencies(ctx context.Context, sessionID string) ([]TaskDependency, error) {
	var deps []TaskDependency
	err := s.db.SelectContext(ctx, &deps, s.db.Rebind(
		`SELECT * FROM task_dependencies WHERE session_id = ?`), sessionID)
	return deps, err
}

// UpdateTaskStatus transitions a task to status, stamping updated_at.
func (s *Store) UpdateTaskStatus(ctx context.Context, sessionID, taskID, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`),
		status, time.Now().UTC(), sessionID, taskID)
	return err
}

// MarkTaskRunning transitions a task to running and records its worker id
// and start time. This must happen before worker:spawned is emitted.
func (s *Store) MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, worker_id = ?, started_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskRunning), workerID, now, now, sessionID, taskID)
	return err
}

// MarkTaskCompleted transitions a task to completed and records its result.
// The task's cost_usd column is deliberately not written here: the
// cost-accounting subscriber owns it (see UpdateTaskCostTx), and both
// subscribers react to the same task:complete event.
func (s *Store) MarkTaskCompleted(ctx context.Context, sessionID, taskID string, exitCode int, inputTokens, outputTokens int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, exit_code = ?, input_tokens = ?, output_tokens = ?, completed_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskCompleted), exitCode, inputTokens, outputTokens, now, now, sessionID, taskID)
	return err
}

// MarkTaskFailed transitions a task to failed with the given error text and
// exit code (exit code may be nil for spawn-time failures).
func (s *Store) MarkTaskFailed(ctx context.Context, sessionID, taskID, errText string, exitCode *int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, error = ?, exit_code = ?, completed_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskFailed), errText, exitCode, now, now, sessionID, taskID)
	return err
}

// MarkTaskBudgetExceeded fails a task pre-dispatch without ever spawning a
// worker.
func (s *Store) MarkTaskBudgetExceeded(ctx context.Context, sessionID, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, budget_exceeded = 1, error = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskFailed), "estimated cost would exceed session budget", now, sessionID, taskID)
	return err
}

// ResetTaskForRetry moves a failed task back to pending, incrementing
// retry_count and clearing its error and worker id.
func (s *Store) ResetTaskForRetry(ctx context.Context, sessionID, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, retry_count = retry_count + 1, error = NULL, worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskPending), time.Now().UTC(), sessionID, taskID)
	return err
}

// ResetTaskForRetryTx is ResetTaskForRetry run within an existing
// transaction, so the session controller's Retry operation can reset
// every selected task and insert its signal row atomically.
func (s *Store) ResetTaskForRetryTx(ctx context.Context, tx *sqlx.Tx, sessionID, taskID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = ?, retry_count = retry_count + 1, error = NULL, worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskPending), time.Now().UTC(), sessionID, taskID)
	return err
}

// RecoverToPending is ResetTaskForRetry's crash-recovery counterpart: it
// also clears worker_id and started_at.
func (s *Store) RecoverToPending(ctx context.Context, sessionID, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, retry_count = retry_count + 1, worker_id = NULL, started_at = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskPending), now, sessionID, taskID)
	return err
}

// RecoverToFailed is the crash-recovery "exhausted retries" path. The
// error text is fixed so operators and tests can match on it.
func (s *Store) RecoverToFailed(ctx context.Context, sessionID, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, error = ?, worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`), string(TaskFailed), "Process crashed and max retries exceeded", now, sessionID, taskID)
	return err
}

// UpdateTaskCostTx sets a task's recorded cost_usd within tx. This is the
// one task-row column the cost-accounting subscriber writes directly
// instead of the engine; it mirrors the authoritative cost_entries rows for
// convenient per-task display.
func (s *Store) UpdateTaskCostTx(ctx context.Context, tx *sqlx.Tx, sessionID, taskID string, costUSD float64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tasks SET cost_usd = ?, updated_at = ? WHERE session_id = ? AND id = ?`),
		costUSD, time.Now().UTC(), sessionID, taskID)
	return err
}

// CancelNonTerminalTasks marks every pending/ready/running task in a
// session cancelled and returns how many rows changed.
func (s *Store) CancelNonTerminalTasks(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE session_id = ? AND status IN (?, ?, ?)
	`), string(TaskCancelled), time.Now().UTC(), sessionID,
		string(TaskPending), string(TaskReady), string(TaskRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CancelNonTerminalTasksTx is CancelNonTerminalTasks run within an
// existing transaction, so the session controller's Cancel operation can
// commit the session status change and the task cancellations atomically.
func (s *Store) CancelNonTerminalTasksTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (int64, error) {
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE session_id = ? AND status IN (?, ?, ?)
	`), string(TaskCancelled), time.Now().UTC(), sessionID,
		string(TaskPending), string(TaskReady), string(TaskRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ---- session signals ----------------------------------------------------

// InsertSignalTx inserts a durable control signal within tx.
func (s *Store) InsertSignalTx(ctx context.Context, tx *sqlx.Tx, sessionID string, signal SignalKind) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO session_signals (session_id, signal) VALUES (?, ?)`), sessionID, string(signal))
	return err
}

// ListUnprocessedSignals returns signals for a session whose processed_at
// is still null, in insertion (FIFO) order.
func (s *Store) ListUnprocessedSignals(ctx context.Context, sessionID string) ([]SessionSignal, error) {
	var signals []SessionSignal
	err := s.db.SelectContext(ctx, &signals, s.db.Rebind(
		`SELECT * FROM session_signals WHERE session_id = ? AND processed_at IS NULL ORDER BY id ASC`), sessionID)
	return signals, err
}

// MarkSignalProcessed stamps a signal's processed_at. Signals are never
// deleted.
func (s *Store) MarkSignalProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE session_signals SET processed_at = ? WHERE id = ?`), time.Now().UTC(), id)
	return err
}

// ---- cost entries ---------------------------------------------------------

// InsertCostEntry appends a cost row. Cost entries are append-only; callers
// must also update the owning session's accumulated cost in the same
// logical operation (the cost-accounting subscriber does this via
// AddSessionCostTx inside WithTx).
func (s *Store) InsertCostEntry(ctx context.Context, e *CostEntry) error {
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cost_entries (session_id, task_id, agent, provider, model, input_tokens, output_tokens, cost_usd, savings_usd, billing_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.SessionID, e.TaskID, e.Agent, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, e.SavingsUSD, e.BillingMode, e.CreatedAt)
	return err
}

// InsertCostEntryTx is InsertCostEntry scoped to a caller-owned transaction.
func (s *Store) InsertCostEntryTx(ctx context.Context, tx *sqlx.Tx, e *CostEntry) error {
	e.CreatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO cost_entries (session_id, task_id, agent, provider, model, input_tokens, output_tokens, cost_usd, savings_usd, billing_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.SessionID, e.TaskID, e.Agent, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, e.SavingsUSD, e.BillingMode, e.CreatedAt)
	return err
}

// SumSessionCost sums cost_entries.cost_usd for a session, used by tests
// asserting invariant 2 (sum of cost entries equals session.total_cost_usd).
func (s *Store) SumSessionCost(ctx context.Context, sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.GetContext(ctx, &total, s.db.Rebind(
		`SELECT SUM(cost_usd) FROM cost_entries WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// ---- log entries ----------------------------------------------------------

// InsertLogEntry appends an audit-trail row.
func (s *Store) InsertLogEntry(ctx context.Context, e *LogEntry) error {
	e.Timestamp = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO log_entries (session_id, task_id, event, old_status, new_status, agent, cost_usd, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.SessionID, e.TaskID, e.Event, e.OldStatus, e.NewStatus, e.Agent, e.CostUSD, e.Data, e.Timestamp)
	return err
}

// LogFilter narrows a ListLogEntries query. Zero-valued fields are not
// applied.
type LogFilter struct {
	TaskID string
	Event  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// ListLogEntries returns log rows for a session matching filter, newest
// first. This is the structured log query behind the `status` command's
// audit tail.
func (s *Store) ListLogEntries(ctx context.Context, sessionID string, filter LogFilter) ([]LogEntry, error) {
	query := `SELECT * FROM log_entries WHERE session_id = ?`
	args := []interface{}{sessionID}

	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Event != "" {
		query += ` AND event = ?`
		args = append(args, filter.Event)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var entries []LogEntry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...)
	return entries, err
}
