package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema contains the DDL for the key-value and set tables.
// Each statement uses IF NOT EXISTS for idempotency and is valid for both
// SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS members (
		s TEXT NOT NULL,
		m TEXT NOT NULL,
		PRIMARY KEY (s, m)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_members_s ON members(s)`,
}

// migrate applies the schema inside a single transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}
