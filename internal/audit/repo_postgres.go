package audit

import (
	"context"
	"database/sql"
)

// Schema is the DDL for the insert-only audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id                TEXT PRIMARY KEY,
    type              TEXT NOT NULL,
    reconciliation_id TEXT,
    intake_id         TEXT,
    webhook_event_id  TEXT,
    message           TEXT,
    metadata          JSONB,
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_type_created ON audit_events (type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_reconciliation ON audit_events (reconciliation_id);
`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, reconciliation_id, intake_id, webhook_event_id, message, metadata, created_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, '')::jsonb, $8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.ReconciliationID, e.IntakeID, e.WebhookEventID, e.Message, e.Metadata, e.CreatedAt)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, types []EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	const q = `
SELECT id, type, COALESCE(reconciliation_id, ''), COALESCE(intake_id, ''), COALESCE(webhook_event_id, ''),
       COALESCE(message, ''), COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE type = ANY($1::text[])
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, names, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			et string
		)
		if err := rows.Scan(&e.ID, &et, &e.ReconciliationID, &e.IntakeID, &e.WebhookEventID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(et)
		out = append(out, e)
	}
	return out, rows.Err()
}
