package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema creates the append-only audit table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		actor_role    TEXT NOT NULL DEFAULT '',
		ip_address    TEXT NOT NULL DEFAULT '',
		call_id       TEXT NOT NULL DEFAULT '',
		phone_number  TEXT NOT NULL DEFAULT '',
		message       TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_call_id ON audit_events (call_id)`,
}

// PostgresRepo only ever inserts.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	if r.db == nil {
		return errors.New("audit: db not configured")
	}

	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, call_id, phone_number, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CallID,
		e.PhoneNumber,
		e.Message,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
