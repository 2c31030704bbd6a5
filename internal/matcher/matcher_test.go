package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recording-reconciler/internal/events"
	"recording-reconciler/internal/reconciliation"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *reconciliation.Service
	matcher *Matcher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0}
	store := reconciliation.NewMemoryStore()
	f.svc = reconciliation.NewService(store, reconciliation.WithClock(func() time.Time { return f.now }))
	f.matcher = New(store, 10*time.Minute)
	return f
}

func (f *fixture) register(t *testing.T, intake, callee, key string) reconciliation.Reconciliation {
	t.Helper()
	r, _, err := f.svc.Register(context.Background(), reconciliation.RegisterRequest{IntakeID: intake, CalleeNumber: callee, CorrelationKey: key})
	require.NoError(t, err)
	return r
}

func event(data events.Data, at time.Time) events.Envelope {
	return events.Envelope{EventID: "ev", Kind: events.KindCallConnected, OccurredAt: at, Data: data}
}

func TestMatch_CorrelationKeyWins(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "intake-a", "+15550000001", "")
	f.register(t, "intake-b", "+15550000001", "")

	res, err := f.matcher.Match(context.Background(), event(events.Data{CorrelationKey: "intake-a", CalleeNumber: "+15550000001"}, t0))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, ViaCorrelationKey, res.Via)
	assert.Equal(t, a.ID, res.Reconciliation.ID)
}

func TestMatch_UnknownCorrelationKeyDoesNotFallBack(t *testing.T) {
	f := newFixture(t)
	f.register(t, "intake-a", "+15550000001", "")

	res, err := f.matcher.Match(context.Background(), event(events.Data{CorrelationKey: "nope", CalleeNumber: "+15550000001"}, t0))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
	assert.Equal(t, "unknown correlation key", res.Reason)
}

func TestMatch_ProviderCallID(t *testing.T) {
	f := newFixture(t)
	r := f.register(t, "intake-a", "+15550000001", "")
	_, err := f.svc.Annotate(context.Background(), r.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.Patch{ProviderCallID: "CA1"})
	require.NoError(t, err)

	res, err := f.matcher.Match(context.Background(), event(events.Data{ProviderCallID: "CA1"}, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, ViaProviderCallID, res.Via)
	assert.Equal(t, r.ID, res.Reconciliation.ID)
}

func TestMatch_ReusedKeyFollowsCallID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.register(t, "intake-a", "+15550000001", "")
	_, err := f.svc.Transition(ctx, old.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.StateRecordingRequested, reconciliation.Patch{ProviderCallID: "CA-old"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, old.ID, []reconciliation.State{reconciliation.StateRecordingRequested}, reconciliation.StateFailed, reconciliation.Patch{LastError: "start failed"})
	require.NoError(t, err)

	again := f.register(t, "intake-a", "+15550000001", "")
	require.NotEqual(t, old.ID, again.ID)
	require.Equal(t, old.CorrelationKey, again.CorrelationKey)

	// before the new call connects the old call id still pins the old row
	res, err := f.matcher.Match(ctx, event(events.Data{CorrelationKey: "intake-a", ProviderCallID: "CA-old"}, t0))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, ViaProviderCallID, res.Via)
	assert.Equal(t, old.ID, res.Reconciliation.ID)

	_, err = f.svc.Annotate(ctx, again.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.Patch{ProviderCallID: "CA-new"})
	require.NoError(t, err)

	res, err = f.matcher.Match(ctx, event(events.Data{CorrelationKey: "intake-a", ProviderCallID: "CA-old"}, t0))
	require.NoError(t, err)
	assert.Equal(t, old.ID, res.Reconciliation.ID)
	assert.Equal(t, reconciliation.StateFailed, res.Reconciliation.State)

	res, err = f.matcher.Match(ctx, event(events.Data{CorrelationKey: "intake-a", ProviderCallID: "CA-new"}, t0))
	require.NoError(t, err)
	assert.Equal(t, ViaCorrelationKey, res.Via)
	assert.Equal(t, again.ID, res.Reconciliation.ID)

	res, err = f.matcher.Match(ctx, event(events.Data{CorrelationKey: "intake-a", ProviderCallID: "CA-stray"}, t0))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
	assert.Contains(t, res.Reason, "CA-new")
}

func TestMatch_KeyAndCallIDOnDifferentIntakes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "intake-a", "+15550000001", "")
	b := f.register(t, "intake-b", "+15550000002", "")
	_, err := f.svc.Annotate(ctx, b.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.Patch{ProviderCallID: "CA-b"})
	require.NoError(t, err)

	res, err := f.matcher.Match(ctx, event(events.Data{CorrelationKey: "intake-a", ProviderCallID: "CA-b"}, t0))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
}

func TestMatch_CalleeFallbackUnique(t *testing.T) {
	f := newFixture(t)
	r := f.register(t, "intake-a", "+15550000001", "")
	f.register(t, "intake-b", "+15550000002", "")

	res, err := f.matcher.Match(context.Background(), event(events.Data{ProviderCallID: "CA-unknown", CalleeNumber: "+15550000001"}, t0.Add(4*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, ViaCalleeWindow, res.Via)
	assert.Equal(t, r.ID, res.Reconciliation.ID)
}

func TestMatch_CalleeFallbackAmbiguous(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "intake-a", "+15550000001", "")
	f.now = t0.Add(2 * time.Minute)
	b := f.register(t, "intake-b", "+15550000001", "")

	res, err := f.matcher.Match(context.Background(), event(events.Data{CalleeNumber: "+15550000001"}, t0.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, res.Outcome)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Candidates)
}

func TestMatch_CalleeFallbackSkipsRowsBoundToOtherCalls(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "intake-a", "+15550000001", "")
	b := f.register(t, "intake-b", "+15550000001", "")
	_, err := f.svc.Annotate(context.Background(), a.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.Patch{ProviderCallID: "CA-other"})
	require.NoError(t, err)

	res, err := f.matcher.Match(context.Background(), event(events.Data{ProviderCallID: "CA-new", CalleeNumber: "+15550000001"}, t0))
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Outcome)
	assert.Equal(t, b.ID, res.Reconciliation.ID)
}

func TestMatch_OutsideWindowIsNoMatch(t *testing.T) {
	f := newFixture(t)
	f.register(t, "intake-a", "+15550000001", "")

	res, err := f.matcher.Match(context.Background(), event(events.Data{CalleeNumber: "+15550000001"}, t0.Add(11*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
}

func TestMatch_TerminalRowsExcludedFromFallback(t *testing.T) {
	f := newFixture(t)
	r := f.register(t, "intake-a", "+15550000001", "")
	_, err := f.svc.Transition(context.Background(), r.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.StateFailed, reconciliation.Patch{LastError: "never connected"})
	require.NoError(t, err)

	res, err := f.matcher.Match(context.Background(), event(events.Data{CalleeNumber: "+15550000001"}, t0))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
}

func TestMatch_NoIdentifiers(t *testing.T) {
	f := newFixture(t)
	res, err := f.matcher.Match(context.Background(), event(events.Data{ProviderCallID: "CA-unknown"}, t0))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
}
