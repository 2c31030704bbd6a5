package reconciliation

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"recording-reconciler/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real Postgres only when RECON_TEST_POSTGRES_DSN is set.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("RECON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECON_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, utils.EnsureSchema(ctx, db, Schema))
	return db
}

func TestPostgresStore_LifecycleAndCAS(t *testing.T) {
	db := openTestDB(t)
	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()

	intake := "it-" + ulid.Make().String()
	r, created, err := svc.Register(ctx, RegisterRequest{IntakeID: intake, CalleeNumber: "+15550001111"})
	require.NoError(t, err)
	require.True(t, created)

	_, _, err = svc.Register(ctx, RegisterRequest{IntakeID: intake, CalleeNumber: "+15550001111", CorrelationKey: "x-" + intake})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Transition(ctx, r.ID, []State{StatePending}, StateRecordingRequested, Patch{ProviderCallID: "CA-" + intake})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, r.ID, []State{StatePending}, StateRecordingRequested, Patch{})
	assert.ErrorIs(t, err, ErrStateMismatch)

	byCall, err := store.FindByProviderCallID(ctx, "CA-"+intake)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byCall.ID)

	d := 180
	_, err = svc.Transition(ctx, r.ID, []State{StateRecordingRequested}, StateAssetReady, Patch{DurationSeconds: &d, ProviderRecordingID: "RE-" + intake})
	require.NoError(t, err)

	failed, err := svc.RecordFailure(ctx, r.ID, StateAssetReady, StageMigrate, assert.AnError, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, failed.AttemptCount)

	migrated, err := svc.Transition(ctx, r.ID, []State{StateAssetReady}, StateMigrated, Patch{DurableURI: "s3://bucket/" + intake})
	require.NoError(t, err)
	assert.NotNil(t, migrated.MigratedAt)

	v, err := svc.Get(ctx, intake)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, v.Status)
	assert.Equal(t, 180, *v.DurationSeconds)
}
