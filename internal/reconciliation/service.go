package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"recording-reconciler/pkg/logger"

	"github.com/oklog/ulid/v2"
)

// AuditLog records applied transitions. Best-effort: failures are logged, never returned.
type AuditLog interface {
	LogTransition(ctx context.Context, reconciliationID, intakeID, from, to, detail string) error
}

// TransitionObserver is notified after every applied transition (metrics).
type TransitionObserver interface {
	RecordTransition(ctx context.Context, from, to string)
}

// Service owns all writes to reconciliation rows. Components never call the Store's
// write methods directly so transition validation and audit cannot be bypassed.
type Service struct {
	store    Store
	audit    AuditLog
	observer TransitionObserver
	clock    func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithAudit(a AuditLog) Option { return func(s *Service) { s.audit = a } }
func WithObserver(o TransitionObserver) Option { return func(s *Service) { s.observer = o } }
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }
func WithIDGenerator(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: time.Now,
		newID: func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store exposes the read side for matchers and sweepers.
func (s *Service) Store() Store { return s.store }

func (s *Service) now() time.Time { return s.clock().UTC() }

// Register creates the PENDING row for an outbound intake call.
//
// Idempotent: if an active row already exists for the intake with the same
// correlation key it is returned with created=false. An active row with a different
// key, or an active row for another intake holding the key, yields ErrConflict.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Reconciliation, bool, error) {
	req.IntakeID = strings.TrimSpace(req.IntakeID)
	req.CalleeNumber = strings.TrimSpace(req.CalleeNumber)
	req.CorrelationKey = strings.TrimSpace(req.CorrelationKey)
	if req.IntakeID == "" || req.CalleeNumber == "" {
		return Reconciliation{}, false, fmt.Errorf("%w: intake_id and callee_number are required", ErrInvalidArgument)
	}
	if req.CorrelationKey == "" {
		req.CorrelationKey = req.IntakeID
	}

	now := s.now()
	r := Reconciliation{
		ID:             s.newID(),
		IntakeID:       req.IntakeID,
		CalleeNumber:   req.CalleeNumber,
		CorrelationKey: req.CorrelationKey,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.store.Create(ctx, r)
	if err == nil {
		logger.From(ctx).Info("reconciliation registered", "reconciliation_id", r.ID, "intake_id", r.IntakeID)
		return r, true, nil
	}
	if !errors.Is(err, ErrConflict) {
		return Reconciliation{}, false, err
	}

	existing, lookupErr := s.store.LatestByIntake(ctx, req.IntakeID)
	if lookupErr == nil && existing.Active() && existing.CorrelationKey == req.CorrelationKey {
		return existing, false, nil
	}
	return Reconciliation{}, false, err
}

// Get is the read accessor used by dispatch and UI collaborators.
func (s *Service) Get(ctx context.Context, intakeID string) (View, error) {
	if strings.TrimSpace(intakeID) == "" {
		return View{}, fmt.Errorf("%w: intake_id is required", ErrInvalidArgument)
	}
	r, err := s.store.LatestByIntake(ctx, intakeID)
	if err != nil {
		return View{}, err
	}
	return r.View(), nil
}

// Transition applies from -> to as a compare-and-swap.
//
// Returns ErrStateMismatch when the row has already moved on; callers treat that as an
// idempotent no-op. next_attempt_at is maintained here so the sweeper can recover work
// whose queue entry was lost: ASSET_READY and MIGRATED owe background work immediately,
// any other target owes none.
func (s *Service) Transition(ctx context.Context, id string, from []State, to State, p Patch) (Reconciliation, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Reconciliation{}, err
	}
	if to == StateMigrated && p.DurableURI == "" {
		return Reconciliation{}, fmt.Errorf("%w: durable_uri is required to enter %s", ErrInvalidArgument, to)
	}
	if to != StateMigrated && p.DurableURI != "" {
		return Reconciliation{}, fmt.Errorf("%w: durable_uri may only be set entering %s", ErrInvalidArgument, StateMigrated)
	}

	p.LastError = truncate(p.LastError, maxErrorLen)

	now := s.now()
	switch to {
	case StateAssetReady, StateMigrated:
		p.NextAttemptAt = &now
		p.ClearNextAttempt = false
	default:
		p.NextAttemptAt = nil
		p.ClearNextAttempt = true
	}

	before, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	after, err := s.store.Transition(ctx, id, from, to, p, now)
	if err != nil {
		return Reconciliation{}, err
	}

	log := logger.From(ctx)
	log.Info("reconciliation transition", "from", before.State, "to", to)
	if s.observer != nil {
		s.observer.RecordTransition(ctx, string(before.State), string(to))
	}
	if s.audit != nil {
		if err := s.audit.LogTransition(ctx, id, after.IntakeID, string(before.State), string(to), p.LastError); err != nil {
			log.Warn("audit transition failed", "err", err)
		}
	}
	return after, nil
}

// Annotate records provider identifiers without changing state.
func (s *Service) Annotate(ctx context.Context, id string, expected []State, p Patch) (Reconciliation, error) {
	if p.DurableURI != "" {
		return Reconciliation{}, fmt.Errorf("%w: durable_uri may only be set entering %s", ErrInvalidArgument, StateMigrated)
	}
	return s.store.Annotate(ctx, id, expected, p, s.now())
}

// RecordFailure charges one failed attempt of stage to the row and schedules the next
// one at nextAt (zero means no further attempt).
func (s *Service) RecordFailure(ctx context.Context, id string, expected State, stage Stage, cause error, nextAt time.Time) (Reconciliation, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.store.RecordFailure(ctx, id, expected, stage, truncate(msg, maxErrorLen), nextAt, s.now())
}

// Summary returns per-state counts for operators.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Counts: make(map[State]int, len(States))}
	for _, st := range States {
		out.Counts[st] = counts[st]
		out.Total += counts[st]
	}
	return out, nil
}

const maxErrorLen = 1024

// truncate cuts s to at most n bytes of valid UTF-8.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
