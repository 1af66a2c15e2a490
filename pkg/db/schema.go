package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
    user_id TEXT PRIMARY KEY,
    interval_kind TEXT NOT NULL,
    amount TEXT NOT NULL,
    use_minimum_floor INTEGER NOT NULL DEFAULT 0,
    next_execution_at DATETIME NOT NULL,
    status TEXT NOT NULL,
    api_public_key TEXT NOT NULL DEFAULT '',
    api_secret_encrypted TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_schedules_due
    ON schedules(status, next_execution_at);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    eur_amount TEXT NOT NULL,
    btc_amount TEXT NOT NULL,
    btc_price TEXT NOT NULL,
    actual_fee TEXT NOT NULL,
    standard_fee TEXT NOT NULL,
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_user
    ON transactions(user_id, created_at DESC);
`

// ApplyMigrations creates the schema if it does not exist yet.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
