package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration describes one monotonically numbered, idempotent schema change.
// Most migrations run inside an implicit transaction; a migration that must
// toggle PRAGMA foreign_keys (which SQLite refuses inside a transaction)
// sets managesOwnTransaction and is responsible for its own commit semantics.
type migration struct {
	version               int
	name                  string
	up                    func(ctx context.Context, tx *sqlx.Tx) error
	managesOwnTransaction bool
	upNoTx                func(ctx context.Context, db *sqlx.DB) error
}

// runMigrations applies every migration in migrations whose version is not
// already recorded in schema_migrations, in ascending version order. Each
// applied version is recorded in the same transaction as its schema change
// so a crash mid-migration never leaves a half-applied version marked done.
func runMigrations(ctx context.Context, db *sqlx.DB, migrations []migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT (`+timestampDefault(db.DriverName())+`)
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	if m.managesOwnTransaction {
		if err := m.upNoTx(ctx, db); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx,
			db.Rebind(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`), m.version, m.name)
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.up(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`), m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

// execAll runs each statement in stmts against tx in order, stopping at the
// first error.
func execAll(ctx context.Context, tx *sqlx.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
