package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Device keys are kept by the whatsmeow store in its own whatsmeow_* tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wa_sessions (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		device_jid  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_wa_sessions_name ON wa_sessions (LOWER(name))`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id          BIGSERIAL PRIMARY KEY,
		session_id  UUID NOT NULL,
		event       TEXT NOT NULL,
		url         TEXT NOT NULL,
		status      TEXT NOT NULL,
		status_code INTEGER,
		error       TEXT,
		elapsed_ms  BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_session ON webhook_deliveries (session_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries (created_at)`,
}

// Migrate creates the relay tables. It is safe to run on every start.
func (db *DB) Migrate(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}
