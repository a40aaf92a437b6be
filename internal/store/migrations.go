package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_paused_executions.sql
var pausedExecutionsSQL string

// Migrations in order; entry N upgrades the schema from revision N to N+1.
// The database tracks its revision in PRAGMA user_version, so no bookkeeping
// table is needed.
var migrations = []string{
	pausedExecutionsSQL,
}

// migrateSchema brings the paused-execution schema up to the current
// revision. Each pending migration runs in its own transaction and bumps
// user_version on commit, so a failed upgrade leaves the previous revision
// intact.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema revision: %w", err)
	}

	for rev := current; rev < len(migrations); rev++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration to revision %d: %w", rev+1, err)
		}
		for _, stmt := range sqlStatements(migrations[rev]) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration to revision %d: %w", rev+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", rev+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema revision %d: %w", rev+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration to revision %d: %w", rev+1, err)
		}
	}
	return nil
}

// sqlStatements splits a migration script on semicolons, dropping comment
// lines and empty fragments.
func sqlStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		var code []string
		for _, line := range strings.Split(raw, "\n") {
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "--") {
				code = append(code, line)
			}
		}
		if len(code) == 0 {
			continue
		}
		stmts = append(stmts, strings.TrimSpace(strings.Join(code, "\n")))
	}
	return stmts
}
