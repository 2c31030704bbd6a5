package reconciliation

import (
	"context"
	"time"
)

// Store is the persistence contract for reconciliation rows.
//
// Every state change is a compare-and-swap on the current state: implementations
// return ErrStateMismatch when the row is no longer in any expected state, and never
// apply a partial update in that case.
type Store interface {
	// Create inserts a new row. ErrConflict when an active row already holds the
	// intake id or correlation key.
	Create(ctx context.Context, r Reconciliation) error

	GetByID(ctx context.Context, id string) (Reconciliation, error)

	// LatestByIntake returns the active row for the intake, else the most recent one.
	LatestByIntake(ctx context.Context, intakeID string) (Reconciliation, error)

	// FindByCorrelationKey returns the active row holding key, else the most recent.
	FindByCorrelationKey(ctx context.Context, key string) (Reconciliation, error)

	// FindByProviderCallID returns the most recent row with the provider call id.
	FindByProviderCallID(ctx context.Context, callID string) (Reconciliation, error)

	// FindActiveByCallee returns non-terminal rows for the callee created within
	// [from, to], most recent first.
	FindActiveByCallee(ctx context.Context, callee string, from, to time.Time) ([]Reconciliation, error)

	Transition(ctx context.Context, id string, from []State, to State, p Patch, now time.Time) (Reconciliation, error)

	// Annotate applies p without changing state, guarded by the expected states.
	Annotate(ctx context.Context, id string, expected []State, p Patch, now time.Time) (Reconciliation, error)

	// RecordFailure increments the stage's attempt counter and stores errMsg.
	// A zero nextAt clears next_attempt_at (no further work owed).
	RecordFailure(ctx context.Context, id string, expected State, stage Stage, errMsg string, nextAt, now time.Time) (Reconciliation, error)

	// ListStale returns rows in state that entered it before the cutoff. Entry is the
	// per-state timestamp (created_at for PENDING), so annotations do not postpone it.
	ListStale(ctx context.Context, state State, enteredBefore time.Time, limit int) ([]Reconciliation, error)

	// ListOverdue returns rows in state whose next_attempt_at is set and before the cutoff.
	ListOverdue(ctx context.Context, state State, dueBefore time.Time, limit int) ([]Reconciliation, error)

	CountByState(ctx context.Context) (map[State]int, error)
}

// enteredAt is when r entered its current state.
func enteredAt(r *Reconciliation) time.Time {
	if ts := stateTimestamp(r, r.State); ts != nil && *ts != nil {
		return **ts
	}
	return r.CreatedAt
}

// stateTimestamp returns the pointer to the per-state audit timestamp of r.
func stateTimestamp(r *Reconciliation, s State) **time.Time {
	switch s {
	case StateRecordingRequested:
		return &r.RecordingRequestedAt
	case StateAssetReady:
		return &r.AssetReadyAt
	case StateMigrated:
		return &r.MigratedAt
	case StateSourceDeleted:
		return &r.SourceDeletedAt
	case StateFailed:
		return &r.FailedAt
	default:
		return nil
	}
}
