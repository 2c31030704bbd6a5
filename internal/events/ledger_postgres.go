package events

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Schema is the DDL for the events_seen ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS events_seen (
    event_id          TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    payload           JSONB NOT NULL,
    received_at       TIMESTAMPTZ NOT NULL,
    attempts          INTEGER NOT NULL DEFAULT 0,
    processed_at      TIMESTAMPTZ,
    outcome           TEXT,
    reconciliation_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_seen_unprocessed
    ON events_seen (received_at) WHERE processed_at IS NULL;
`

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger { return &PostgresLedger{db: db} }

const entryColumns = `event_id, kind, payload, received_at, attempts, processed_at, COALESCE(outcome, ''), COALESCE(reconciliation_id, '')`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e         Entry
		kind      string
		outcome   string
		processed sql.NullTime
	)
	if err := row.Scan(&e.EventID, &kind, &e.Payload, &e.ReceivedAt, &e.Attempts, &processed, &outcome, &e.ReconciliationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Outcome = Outcome(outcome)
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

func (l *PostgresLedger) Record(ctx context.Context, eventID string, kind Kind, payload []byte, now time.Time) (Entry, bool, error) {
	const ins = `
INSERT INTO events_seen (event_id, kind, payload, received_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (event_id) DO NOTHING
RETURNING ` + entryColumns

	e, err := scanEntry(l.db.QueryRowContext(ctx, ins, eventID, string(kind), string(payload), now))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, false, err
	}
	// Conflict: the event id was already recorded.
	e, err = l.Get(ctx, eventID)
	if err != nil {
		return Entry{}, false, err
	}
	return e, false, nil
}

func (l *PostgresLedger) Get(ctx context.Context, eventID string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM events_seen WHERE event_id = $1`
	return scanEntry(l.db.QueryRowContext(ctx, q, eventID))
}

func (l *PostgresLedger) BeginAttempt(ctx context.Context, eventID string) (Entry, error) {
	q := `UPDATE events_seen SET attempts = attempts + 1 WHERE event_id = $1 RETURNING ` + entryColumns
	return scanEntry(l.db.QueryRowContext(ctx, q, eventID))
}

func (l *PostgresLedger) Complete(ctx context.Context, eventID string, outcome Outcome, reconciliationID string, now time.Time) error {
	const q = `
UPDATE events_seen
SET processed_at = $2, outcome = $3, reconciliation_id = NULLIF($4, '')
WHERE event_id = $1 AND processed_at IS NULL
`
	res, err := l.db.ExecContext(ctx, q, eventID, now, string(outcome), reconciliationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := l.Get(ctx, eventID); err != nil {
			return err
		}
	}
	return nil
}

func (l *PostgresLedger) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + entryColumns + `
FROM events_seen
WHERE processed_at IS NULL AND received_at < $1
ORDER BY received_at ASC
LIMIT $2`
	rows, err := l.db.QueryContext(ctx, q, receivedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
