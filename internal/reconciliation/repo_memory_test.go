package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, m *MemoryStore, id, intake, callee string, state State, created time.Time) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), Reconciliation{
		ID: id, IntakeID: intake, CalleeNumber: callee, CorrelationKey: intake,
		State: state, CreatedAt: created, UpdatedAt: created,
	}))
}

func TestMemoryStore_FindActiveByCalleeWindow(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed(t, m, "a", "I1", "+1555", StatePending, base)
	seed(t, m, "b", "I2", "+1555", StateRecordingRequested, base.Add(5*time.Minute))
	seed(t, m, "c", "I3", "+1555", StateFailed, base.Add(6*time.Minute))
	seed(t, m, "d", "I4", "+1555", StatePending, base.Add(2*time.Hour))
	seed(t, m, "e", "I5", "+1999", StatePending, base)

	got, err := m.FindActiveByCallee(context.Background(), "+1555", base.Add(-10*time.Minute), base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "most recent first")
	assert.Equal(t, "a", got[1].ID)
}

func TestMemoryStore_ListOverdueSkipsCleared(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed(t, m, "a", "I1", "+1", StatePending, base)
	seed(t, m, "b", "I2", "+2", StatePending, base)

	due := base
	_, err := m.Transition(ctx, "a", []State{StatePending}, StateAssetReady, Patch{NextAttemptAt: &due}, base)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "b", []State{StatePending}, StateAssetReady, Patch{ClearNextAttempt: true}, base)
	require.NoError(t, err)

	got, err := m.ListOverdue(ctx, StateAssetReady, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestMemoryStore_ListStaleUsesStateEntryTime(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed(t, m, "a", "I1", "+1", StatePending, base)
	seed(t, m, "b", "I2", "+2", StatePending, base)

	_, err := m.Transition(ctx, "a", []State{StatePending}, StateRecordingRequested, Patch{}, base)
	require.NoError(t, err)
	// annotations move updated_at only
	_, err = m.Annotate(ctx, "a", []State{StateRecordingRequested}, Patch{ProviderCallID: "CA1"}, base.Add(25*time.Minute))
	require.NoError(t, err)
	_, err = m.Annotate(ctx, "b", []State{StatePending}, Patch{ProviderCallID: "CA2"}, base.Add(25*time.Minute))
	require.NoError(t, err)

	got, err := m.ListStale(ctx, StateRecordingRequested, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = m.ListStale(ctx, StatePending, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = m.ListStale(ctx, StatePending, base, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_GuardedErrors(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.Transition(ctx, "missing", []State{StatePending}, StateFailed, Patch{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	seed(t, m, "a", "I1", "+1", StateMigrated, time.Now())
	_, err = m.Annotate(ctx, "a", []State{StatePending}, Patch{ProviderCallID: "CA"}, time.Now())
	assert.ErrorIs(t, err, ErrStateMismatch)
}
