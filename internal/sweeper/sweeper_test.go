package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/audit"
	"recording-reconciler/internal/events"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/reconciliation"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	now     time.Time
	sweeper *Sweeper
	svc     *reconciliation.Service
	store   *reconciliation.MemoryStore
	ledger  *events.MemoryLedger
	queue   *queue.MemoryQueue
	alerts  *alert.Recorder
	audit   *audit.MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:    t0,
		store:  reconciliation.NewMemoryStore(),
		ledger: events.NewMemoryLedger(),
		queue:  queue.NewMemoryQueue(),
		alerts: &alert.Recorder{},
		audit:  audit.NewMemoryRepo(),
	}
	clock := func() time.Time { return f.now }
	f.svc = reconciliation.NewService(f.store, reconciliation.WithClock(clock))
	f.sweeper = New(Deps{
		Service: f.svc,
		Ledger:  f.ledger,
		Queue:   f.queue,
		Audit:   audit.NewService(f.audit),
		Alerts:  f.alerts,
	}, Config{})
	f.sweeper.clock = clock
	return f
}

func (f *fixture) register(t *testing.T, intake string) reconciliation.Reconciliation {
	t.Helper()
	r, _, err := f.svc.Register(context.Background(), reconciliation.RegisterRequest{IntakeID: intake, CalleeNumber: "+15550000001"})
	require.NoError(t, err)
	return r
}

func (f *fixture) move(t *testing.T, id string, from, to reconciliation.State, p reconciliation.Patch) {
	t.Helper()
	_, err := f.svc.Transition(context.Background(), id, []reconciliation.State{from}, to, p)
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id string) reconciliation.State {
	t.Helper()
	r, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r.State
}

func TestSweep_FailsRequestedWithoutAssetReady(t *testing.T) {
	f := newFixture(t)
	stale := f.register(t, "intake-stale")
	f.move(t, stale.ID, reconciliation.StatePending, reconciliation.StateRecordingRequested, reconciliation.Patch{ProviderCallID: "CA1"})

	f.now = t0.Add(20 * time.Minute)
	fresh := f.register(t, "intake-fresh")
	f.move(t, fresh.ID, reconciliation.StatePending, reconciliation.StateRecordingRequested, reconciliation.Patch{ProviderCallID: "CA2"})

	f.now = t0.Add(31 * time.Minute)
	rep := f.sweeper.Sweep(context.Background())

	assert.Equal(t, 1, rep.AssetReadyTimeouts)
	assert.Equal(t, reconciliation.StateFailed, f.state(t, stale.ID))
	assert.Equal(t, reconciliation.StateRecordingRequested, f.state(t, fresh.ID))
	assert.Equal(t, []string{alert.CodeAssetReadyTimeout}, f.alerts.Codes())
	assert.Equal(t, alert.LevelCritical, f.alerts.Alerts()[0].Level)

	var escalations int
	for _, e := range f.audit.Events() {
		if e.Type == audit.EventTypeEscalation {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestSweep_RequestTimeUsedOverUpdatedAt(t *testing.T) {
	f := newFixture(t)
	r := f.register(t, "intake-1")
	f.move(t, r.ID, reconciliation.StatePending, reconciliation.StateRecordingRequested, reconciliation.Patch{})

	// call-ended bumps updated_at but not the request time
	f.now = t0.Add(25 * time.Minute)
	_, err := f.svc.Annotate(context.Background(), r.ID, []reconciliation.State{reconciliation.StateRecordingRequested}, reconciliation.Patch{ProviderCallID: "CA1"})
	require.NoError(t, err)

	f.now = t0.Add(29 * time.Minute)
	assert.Zero(t, f.sweeper.Sweep(context.Background()).AssetReadyTimeouts)

	f.now = t0.Add(31 * time.Minute)
	rep := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, rep.AssetReadyTimeouts)
	assert.Equal(t, reconciliation.StateFailed, f.state(t, r.ID))
}

func TestSweep_FailsPendingAfterTimeout(t *testing.T) {
	f := newFixture(t)
	r := f.register(t, "intake-1")

	f.now = t0.Add(time.Hour)
	assert.Zero(t, f.sweeper.Sweep(context.Background()).PendingTimeouts)
	assert.Equal(t, reconciliation.StatePending, f.state(t, r.ID))

	f.now = t0.Add(2*time.Hour + time.Second)
	rep := f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, rep.PendingTimeouts)
	assert.Equal(t, reconciliation.StateFailed, f.state(t, r.ID))
	assert.Equal(t, []string{alert.CodePendingTimeout}, f.alerts.Codes())
}

func TestSweep_RequeuesOverdueWork(t *testing.T) {
	f := newFixture(t)
	ready := f.register(t, "intake-ready")
	f.move(t, ready.ID, reconciliation.StatePending, reconciliation.StateAssetReady, reconciliation.Patch{ProviderRecordingID: "RE1"})
	migrated := f.register(t, "intake-migrated")
	f.move(t, migrated.ID, reconciliation.StatePending, reconciliation.StateAssetReady, reconciliation.Patch{ProviderRecordingID: "RE2"})
	f.move(t, migrated.ID, reconciliation.StateAssetReady, reconciliation.StateMigrated, reconciliation.Patch{DurableURI: "s3://b/k"})

	f.now = t0.Add(time.Minute)
	rep := f.sweeper.Sweep(context.Background())
	assert.Zero(t, rep.MigrateRequeued)
	assert.Zero(t, rep.CleanupRequeued)

	f.now = t0.Add(6 * time.Minute)
	rep = f.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, rep.MigrateRequeued)
	assert.Equal(t, 1, rep.CleanupRequeued)

	at, ok := f.queue.Scheduled(queue.Job{Kind: queue.KindMigrate, Ref: ready.ID})
	require.True(t, ok)
	assert.Equal(t, f.now, at)
	_, ok = f.queue.Scheduled(queue.Job{Kind: queue.KindCleanup, Ref: migrated.ID})
	assert.True(t, ok)
}

func TestSweep_ReplaysUnprocessedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.ledger.Record(ctx, "ev-old", events.KindCallConnected, []byte(`{}`), t0)
	require.NoError(t, err)
	_, _, err = f.ledger.Record(ctx, "ev-done", events.KindCallConnected, []byte(`{}`), t0)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Complete(ctx, "ev-done", events.OutcomeApplied, "", t0))

	f.now = t0.Add(4 * time.Minute)
	_, _, err = f.ledger.Record(ctx, "ev-new", events.KindCallConnected, []byte(`{}`), f.now)
	require.NoError(t, err)

	f.now = t0.Add(6 * time.Minute)
	rep := f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, rep.EventsReplayed)

	_, ok := f.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-old"})
	assert.True(t, ok)
	_, ok = f.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-new"})
	assert.False(t, ok)
	_, ok = f.queue.Scheduled(queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-done"})
	assert.False(t, ok)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.sweeper.cfg.Schedule = "whenever"
	require.Error(t, f.sweeper.Start(context.Background()))
	f.sweeper.Stop()
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sweeper.Start(context.Background()))
	f.sweeper.Stop()
	f.sweeper.Stop()
}
