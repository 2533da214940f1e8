// Package migrations applies the database schema. Statements are idempotent
// and run in order on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users (lower(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (lower(email)) WHERE email IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		date_of_birth TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		gov_id_type TEXT NOT NULL DEFAULT '',
		gov_id_number TEXT NOT NULL DEFAULT '',
		documents TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		agent_code TEXT UNIQUE,
		review_notes TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		token_balance BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS agents_user_id_idx ON agents (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS token_requests (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents (id),
		tokens BIGINT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		admin_notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_transactions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents (id),
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS token_transactions_agent_idx ON token_transactions (agent_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS restaurants (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users (id),
		agent_id TEXT NOT NULL REFERENCES agents (id),
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		is_premium BOOLEAN NOT NULL DEFAULT FALSE,
		premium_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Apply runs every schema statement against db.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
