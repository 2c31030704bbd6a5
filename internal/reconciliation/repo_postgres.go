package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/pkg/utils"
)

// NOTE: This repository assumes the recording_reconciliations table from Schema exists.
// All state changes are single UPDATE ... WHERE state = ANY($expected) statements, so
// no row locks are held across provider or storage calls.

const selectColumns = `
id, intake_id, callee_number, correlation_key, provider_call_id, provider_recording_id,
state, durable_uri, download_ref, duration_seconds, attempt_count, last_attempt_at,
last_error, cleanup_attempt_count, next_attempt_at, created_at, updated_at,
recording_requested_at, asset_ready_at, migrated_at, source_deleted_at, failed_at`

// activeFirst orders the active row (if any) ahead of terminal history.
const activeFirst = `ORDER BY (state IN ('SOURCE_DELETED', 'FAILED')) ASC, created_at DESC LIMIT 1`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReconciliation(s rowScanner) (Reconciliation, error) {
	var (
		r           Reconciliation
		state       string
		callID      sql.NullString
		recordingID sql.NullString
		durableURI  sql.NullString
		ref         sql.NullString
		lastErr     sql.NullString
		duration    sql.NullInt64
		lastAttempt sql.NullTime
		nextAttempt sql.NullTime
		requestedAt sql.NullTime
		readyAt     sql.NullTime
		migratedAt  sql.NullTime
		deletedAt   sql.NullTime
		failedAt    sql.NullTime
	)
	if err := s.Scan(
		&r.ID, &r.IntakeID, &r.CalleeNumber, &r.CorrelationKey, &callID, &recordingID,
		&state, &durableURI, &ref, &duration, &r.AttemptCount, &lastAttempt,
		&lastErr, &r.CleanupAttemptCount, &nextAttempt, &r.CreatedAt, &r.UpdatedAt,
		&requestedAt, &readyAt, &migratedAt, &deletedAt, &failedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reconciliation{}, ErrNotFound
		}
		return Reconciliation{}, err
	}
	r.State = State(state)
	r.ProviderCallID = callID.String
	r.ProviderRecordingID = recordingID.String
	r.DurableURI = durableURI.String
	r.DownloadRef = ref.String
	r.LastError = lastErr.String
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationSeconds = &d
	}
	r.LastAttemptAt = timePtr(lastAttempt)
	r.NextAttemptAt = timePtr(nextAttempt)
	r.RecordingRequestedAt = timePtr(requestedAt)
	r.AssetReadyAt = timePtr(readyAt)
	r.MigratedAt = timePtr(migratedAt)
	r.SourceDeletedAt = timePtr(deletedAt)
	r.FailedAt = timePtr(failedAt)
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r Reconciliation) error {
	const q = `
INSERT INTO recording_reconciliations
    (id, intake_id, callee_number, correlation_key, state, attempt_count, cleanup_attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7)
`
	_, err := s.db.ExecContext(ctx, q, r.ID, r.IntakeID, r.CalleeNumber, r.CorrelationKey, string(r.State), r.CreatedAt, r.UpdatedAt)
	if utils.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Reconciliation, error) {
	q := `SELECT ` + selectColumns + ` FROM recording_reconciliations WHERE id = $1`
	return scanReconciliation(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) LatestByIntake(ctx context.Context, intakeID string) (Reconciliation, error) {
	q := `SELECT ` + selectColumns + ` FROM recording_reconciliations WHERE intake_id = $1 ` + activeFirst
	return scanReconciliation(s.db.QueryRowContext(ctx, q, intakeID))
}

func (s *PostgresStore) FindByCorrelationKey(ctx context.Context, key string) (Reconciliation, error) {
	q := `SELECT ` + selectColumns + ` FROM recording_reconciliations WHERE correlation_key = $1 ` + activeFirst
	return scanReconciliation(s.db.QueryRowContext(ctx, q, key))
}

func (s *PostgresStore) FindByProviderCallID(ctx context.Context, callID string) (Reconciliation, error) {
	q := `SELECT ` + selectColumns + ` FROM recording_reconciliations WHERE provider_call_id = $1 ` + activeFirst
	return scanReconciliation(s.db.QueryRowContext(ctx, q, callID))
}

func (s *PostgresStore) FindActiveByCallee(ctx context.Context, callee string, from, to time.Time) ([]Reconciliation, error) {
	q := `SELECT ` + selectColumns + `
FROM recording_reconciliations
WHERE callee_number = $1
  AND state NOT IN ('SOURCE_DELETED', 'FAILED')
  AND created_at BETWEEN $2 AND $3
ORDER BY created_at DESC`
	return s.query(ctx, q, callee, from, to)
}

// patchAssignments are shared by Transition and Annotate. Parameters $3..$11 hold the
// patch values; NULL leaves the column unchanged.
const patchAssignments = `
    updated_at            = $3,
    provider_call_id      = COALESCE($4, provider_call_id),
    provider_recording_id = COALESCE($5, provider_recording_id),
    durable_uri           = COALESCE($6, durable_uri),
    download_ref          = COALESCE($7, download_ref),
    duration_seconds      = COALESCE($8, duration_seconds),
    last_error            = COALESCE($9, last_error),
    next_attempt_at       = CASE WHEN $10 THEN NULL ELSE COALESCE($11, next_attempt_at) END`

func patchArgs(p Patch, now time.Time) []any {
	var duration any
	if p.DurationSeconds != nil {
		duration = *p.DurationSeconds
	}
	var next any
	if p.NextAttemptAt != nil {
		next = *p.NextAttemptAt
	}
	return []any{
		now,
		nullIfEmpty(p.ProviderCallID),
		nullIfEmpty(p.ProviderRecordingID),
		nullIfEmpty(p.DurableURI),
		nullIfEmpty(p.DownloadRef),
		duration,
		nullIfEmpty(p.LastError),
		p.ClearNextAttempt,
		next,
	}
}

var stateTimestampColumn = map[State]string{
	StateRecordingRequested: "recording_requested_at",
	StateAssetReady:         "asset_ready_at",
	StateMigrated:           "migrated_at",
	StateSourceDeleted:      "source_deleted_at",
	StateFailed:             "failed_at",
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from []State, to State, p Patch, now time.Time) (Reconciliation, error) {
	col, ok := stateTimestampColumn[to]
	if !ok {
		return Reconciliation{}, fmt.Errorf("%w: no timestamp column for %s", ErrInvalidTransition, to)
	}
	q := fmt.Sprintf(`
UPDATE recording_reconciliations SET
    state = $12,
    %s = $3,%s
WHERE id = $1 AND state = ANY($2::text[])
RETURNING %s`, col, patchAssignments, selectColumns)

	args := append([]any{id, stateStrings(from)}, patchArgs(p, now)...)
	args = append(args, string(to))
	return s.guardedUpdate(ctx, id, q, args...)
}

func (s *PostgresStore) Annotate(ctx context.Context, id string, expected []State, p Patch, now time.Time) (Reconciliation, error) {
	q := `
UPDATE recording_reconciliations SET` + patchAssignments + `
WHERE id = $1 AND state = ANY($2::text[])
RETURNING ` + selectColumns

	args := append([]any{id, stateStrings(expected)}, patchArgs(p, now)...)
	return s.guardedUpdate(ctx, id, q, args...)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, expected State, stage Stage, errMsg string, nextAt, now time.Time) (Reconciliation, error) {
	counter := "attempt_count"
	if stage == StageCleanup {
		counter = "cleanup_attempt_count"
	}
	var next any
	if !nextAt.IsZero() {
		next = nextAt
	}
	q := fmt.Sprintf(`
UPDATE recording_reconciliations SET
    %[1]s = %[1]s + 1,
    last_attempt_at = $3,
    updated_at = $3,
    last_error = $4,
    next_attempt_at = $5
WHERE id = $1 AND state = $2
RETURNING %[2]s`, counter, selectColumns)

	return s.guardedUpdate(ctx, id, q, id, string(expected), now, errMsg, next)
}

// guardedUpdate runs a CAS update. When no row is returned it distinguishes a missing
// row from a lost compare-and-swap.
func (s *PostgresStore) guardedUpdate(ctx context.Context, id, q string, args ...any) (Reconciliation, error) {
	r, err := scanReconciliation(s.db.QueryRowContext(ctx, q, args...))
	if !errors.Is(err, ErrNotFound) {
		return r, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM recording_reconciliations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Reconciliation{}, err
	}
	if exists {
		return Reconciliation{}, ErrStateMismatch
	}
	return Reconciliation{}, ErrNotFound
}

func (s *PostgresStore) ListStale(ctx context.Context, state State, enteredBefore time.Time, limit int) ([]Reconciliation, error) {
	entered := enteredColumn(state)
	q := `SELECT ` + selectColumns + `
FROM recording_reconciliations
WHERE state = $1 AND ` + entered + ` < $2
ORDER BY ` + entered + ` ASC
LIMIT $3`
	return s.query(ctx, q, string(state), enteredBefore, limitOrDefault(limit))
}

func enteredColumn(state State) string {
	switch state {
	case StateRecordingRequested:
		return "COALESCE(recording_requested_at, created_at)"
	case StateAssetReady:
		return "COALESCE(asset_ready_at, created_at)"
	case StateMigrated:
		return "COALESCE(migrated_at, created_at)"
	case StateSourceDeleted:
		return "COALESCE(source_deleted_at, created_at)"
	case StateFailed:
		return "COALESCE(failed_at, created_at)"
	default:
		return "created_at"
	}
}

func (s *PostgresStore) ListOverdue(ctx context.Context, state State, dueBefore time.Time, limit int) ([]Reconciliation, error) {
	q := `SELECT ` + selectColumns + `
FROM recording_reconciliations
WHERE state = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at < $2
ORDER BY next_attempt_at ASC
LIMIT $3`
	return s.query(ctx, q, string(state), dueBefore, limitOrDefault(limit))
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM recording_reconciliations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[State]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[State(state)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reconciliation
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}
