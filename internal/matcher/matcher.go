// Package matcher associates telephony events with reconciliation rows.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/internal/events"
	"recording-reconciler/internal/reconciliation"
)

type Outcome string

const (
	Matched   Outcome = "matched"
	NoMatch   Outcome = "no_match"
	Ambiguous Outcome = "ambiguous"
)

// Via names the identifier that produced a match.
type Via string

const (
	ViaCorrelationKey Via = "correlation_key"
	ViaProviderCallID Via = "provider_call_id"
	ViaCalleeWindow   Via = "callee_window"
)

type Result struct {
	Outcome        Outcome
	Via            Via
	Reconciliation reconciliation.Reconciliation

	// Candidates holds the competing row ids of an ambiguous fallback match.
	Candidates []string
	Reason     string
}

const DefaultWindow = 10 * time.Minute

type Matcher struct {
	store  reconciliation.Store
	window time.Duration
}

func New(store reconciliation.Store, window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{store: store, window: window}
}

// Match resolves the row an event refers to.
//
// Order: correlation key, then provider call id, then the callee number within the
// window around the event time. A correlation key that is present but unknown is a
// NO_MATCH; falling back would risk attaching the event to another patient's intake.
// The fallback never picks between several candidates.
func (m *Matcher) Match(ctx context.Context, env events.Envelope) (Result, error) {
	d := env.Data

	if d.CorrelationKey != "" {
		r, err := m.store.FindByCorrelationKey(ctx, d.CorrelationKey)
		switch {
		case errors.Is(err, reconciliation.ErrNotFound):
			return Result{Outcome: NoMatch, Via: ViaCorrelationKey, Reason: "unknown correlation key"}, nil
		case err != nil:
			return Result{}, fmt.Errorf("match by correlation key: %w", err)
		}
		if d.ProviderCallID == "" || d.ProviderCallID == r.ProviderCallID {
			return Result{Outcome: Matched, Via: ViaCorrelationKey, Reconciliation: r}, nil
		}
		return m.pinToCall(ctx, d, r)
	}

	if d.ProviderCallID != "" {
		r, err := m.store.FindByProviderCallID(ctx, d.ProviderCallID)
		switch {
		case err == nil:
			return Result{Outcome: Matched, Via: ViaProviderCallID, Reconciliation: r}, nil
		case !errors.Is(err, reconciliation.ErrNotFound):
			return Result{}, fmt.Errorf("match by provider call id: %w", err)
		}
	}

	if d.CalleeNumber == "" {
		return Result{Outcome: NoMatch, Reason: "no correlation key, known call id or callee number"}, nil
	}

	rows, err := m.store.FindActiveByCallee(ctx, d.CalleeNumber, env.OccurredAt.Add(-m.window), env.OccurredAt.Add(m.window))
	if err != nil {
		return Result{}, fmt.Errorf("match by callee: %w", err)
	}
	var candidates []reconciliation.Reconciliation
	for _, r := range rows {
		// A row already bound to a different call cannot be this call.
		if d.ProviderCallID != "" && r.ProviderCallID != "" && r.ProviderCallID != d.ProviderCallID {
			continue
		}
		candidates = append(candidates, r)
	}

	switch len(candidates) {
	case 0:
		return Result{Outcome: NoMatch, Via: ViaCalleeWindow, Reason: "no active reconciliation for callee in window"}, nil
	case 1:
		return Result{Outcome: Matched, Via: ViaCalleeWindow, Reconciliation: candidates[0]}, nil
	default:
		ids := make([]string, 0, len(candidates))
		for _, r := range candidates {
			ids = append(ids, r.ID)
		}
		return Result{
			Outcome:    Ambiguous,
			Via:        ViaCalleeWindow,
			Candidates: ids,
			Reason:     fmt.Sprintf("%d active reconciliations for callee in window", len(ids)),
		}, nil
	}
}

// pinToCall settles an event whose correlation key and provider call id disagree about
// the row. Keys are reused when an intake is dispatched again, so the call id decides:
// an event from an earlier call belongs to that call's row, never the new one.
func (m *Matcher) pinToCall(ctx context.Context, d events.Data, keyed reconciliation.Reconciliation) (Result, error) {
	bound, err := m.store.FindByProviderCallID(ctx, d.ProviderCallID)
	switch {
	case err == nil && bound.CorrelationKey == d.CorrelationKey:
		return Result{Outcome: Matched, Via: ViaProviderCallID, Reconciliation: bound}, nil
	case err == nil:
		return Result{
			Outcome: NoMatch,
			Via:     ViaProviderCallID,
			Reason:  "correlation key and provider call id belong to different reconciliations",
		}, nil
	case !errors.Is(err, reconciliation.ErrNotFound):
		return Result{}, fmt.Errorf("match by provider call id: %w", err)
	}

	if keyed.ProviderCallID != "" {
		return Result{
			Outcome: NoMatch,
			Via:     ViaCorrelationKey,
			Reason:  fmt.Sprintf("correlation key is bound to call %s", keyed.ProviderCallID),
		}, nil
	}
	return Result{Outcome: Matched, Via: ViaCorrelationKey, Reconciliation: keyed}, nil
}
