package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/substratehq/substrate/internal/store/dialect"
)

// timestampDefault returns the dialect-appropriate SQL for "now" as a
// column default, since SQLite and Postgres spell it differently.
func timestampDefault(driver string) string {
	if dialect.IsPostgres(driver) {
		return "now()"
	}
	return "datetime('now')"
}

// migrations returns the ordered list of schema changes applied by
// runMigrations. Adding a table or column means appending a new entry here;
// existing entries are never edited once released.
func migrations() []migration {
	return []migration{
		{version: 1, name: "create_sessions", up: createSessions},
		{version: 2, name: "create_tasks", up: createTasks},
		{version: 3, name: "create_task_dependencies", up: createTaskDependencies},
		{version: 4, name: "create_session_signals", up: createSessionSignals},
		{version: 5, name: "create_cost_entries", up: createCostEntries},
		{version: 6, name: "create_log_entries", up: createLogEntries},
		{version: 7, name: "create_task_indexes", up: createTaskIndexes},
	}
}

func createSessions(ctx context.Context, tx *sqlx.Tx) error {
	now := timestampDefault(tx.DriverName())
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			graph_source    TEXT NOT NULL,
			status          TEXT NOT NULL CHECK (status IN ('active','paused','cancelled','completed','interrupted','abandoned')),
			base_branch     TEXT NOT NULL,
			budget_usd      REAL,
			total_cost_usd  REAL NOT NULL DEFAULT 0,
			planning_cost_usd REAL NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL DEFAULT (` + now + `),
			updated_at      TIMESTAMP NOT NULL DEFAULT (` + now + `)
		)`,
	})
}

func createTasks(ctx context.Context, tx *sqlx.Tx) error {
	now := timestampDefault(tx.DriverName())
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT NOT NULL,
			session_id      TEXT NOT NULL REFERENCES sessions(id),
			name            TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			task_type       TEXT NOT NULL DEFAULT 'coding',
			status          TEXT NOT NULL CHECK (status IN ('pending','ready','running','completed','failed','cancelled')),
			agent_id        TEXT,
			worker_id       TEXT,
			started_at      TIMESTAMP,
			completed_at    TIMESTAMP,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL DEFAULT 2,
			worktree_path   TEXT,
			branch_name     TEXT,
			exit_code       INTEGER,
			error           TEXT,
			budget_exceeded INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL DEFAULT (` + now + `),
			updated_at      TIMESTAMP NOT NULL DEFAULT (` + now + `),
			PRIMARY KEY (session_id, id)
		)`,
	})
}

func createTaskDependencies(ctx context.Context, tx *sqlx.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			session_id  TEXT NOT NULL,
			task_id     TEXT NOT NULL,
			depends_on  TEXT NOT NULL,
			PRIMARY KEY (session_id, task_id, depends_on),
			FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id),
			FOREIGN KEY (session_id, depends_on) REFERENCES tasks(session_id, id)
		)`,
	})
}

func createSessionSignals(ctx context.Context, tx *sqlx.Tx) error {
	driver := tx.DriverName()
	pk := dialect.AutoIncrementColumn(driver)
	now := timestampDefault(driver)
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS session_signals (
			id           ` + pk + `,
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			signal       TEXT NOT NULL CHECK (signal IN ('pause','resume','cancel')),
			created_at   TIMESTAMP NOT NULL DEFAULT (` + now + `),
			processed_at TIMESTAMP
		)`,
	})
}

func createCostEntries(ctx context.Context, tx *sqlx.Tx) error {
	driver := tx.DriverName()
	pk := dialect.AutoIncrementColumn(driver)
	now := timestampDefault(driver)
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS cost_entries (
			id            ` + pk + `,
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			task_id       TEXT NOT NULL,
			agent         TEXT NOT NULL,
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd      REAL NOT NULL DEFAULT 0,
			savings_usd   REAL NOT NULL DEFAULT 0,
			billing_mode  TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL DEFAULT (` + now + `)
		)`,
	})
}

func createLogEntries(ctx context.Context, tx *sqlx.Tx) error {
	driver := tx.DriverName()
	pk := dialect.AutoIncrementColumn(driver)
	now := timestampDefault(driver)
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
			id          ` + pk + `,
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			task_id     TEXT,
			event       TEXT NOT NULL,
			old_status  TEXT,
			new_status  TEXT,
			agent       TEXT,
			cost_usd    REAL,
			data        TEXT,
			timestamp   TIMESTAMP NOT NULL DEFAULT (` + now + `)
		)`,
	})
}

func createTaskIndexes(ctx context.Context, tx *sqlx.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_session_task ON task_dependencies(session_id, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_signals_session ON session_signals(session_id, processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_entries_session ON cost_entries(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries(session_id, timestamp)`,
	})
}
