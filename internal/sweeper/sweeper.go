// Package sweeper periodically repairs the pipeline: it times out calls whose provider
// never reported, and re-enqueues work that a crash or a lost enqueue left behind.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/events"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/pkg/logger"
)

type Escalator interface {
	LogEscalation(ctx context.Context, reconciliationID, intakeID, message string) error
}

type Config struct {
	Schedule          string
	AssetReadyTimeout time.Duration
	PendingTimeout    time.Duration
	Grace             time.Duration
	BatchSize         int
}

type Deps struct {
	Service *reconciliation.Service
	Ledger  events.Ledger
	Queue   queue.Queue
	Audit   Escalator
	Alerts  alert.Notifier
	Metrics *metrics.Metrics
}

// Report counts the rows acted on by one sweep.
type Report struct {
	AssetReadyTimeouts int
	PendingTimeouts    int
	MigrateRequeued    int
	CleanupRequeued    int
	EventsReplayed     int
}

type Sweeper struct {
	Deps
	cfg   Config
	clock func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

func New(d Deps, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.AssetReadyTimeout <= 0 {
		cfg.AssetReadyTimeout = 30 * time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 2 * time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{Deps: d, cfg: cfg, clock: time.Now}
}

// Start schedules the sweep. Runs never overlap: a tick that fires while the previous
// sweep is still running is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cronlib.New(
		cronlib.WithLocation(time.UTC),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	logger.From(ctx).Info("sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Sweep runs every repair pass once. Each pass is independent; a failing pass is
// logged and the remaining passes still run.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	log := logger.From(ctx)
	now := s.clock().UTC()
	var rep Report

	passes := []struct {
		name string
		dst  *int
		run  func(context.Context, time.Time) (int, error)
	}{
		{"asset_ready_timeout", &rep.AssetReadyTimeouts, s.timeoutRequested},
		{"pending_timeout", &rep.PendingTimeouts, s.timeoutPending},
		{"requeue_migrate", &rep.MigrateRequeued, s.requeueOverdue(reconciliation.StateAssetReady, queue.KindMigrate)},
		{"requeue_cleanup", &rep.CleanupRequeued, s.requeueOverdue(reconciliation.StateMigrated, queue.KindCleanup)},
		{"replay_event", &rep.EventsReplayed, s.replayEvents},
	}
	for _, p := range passes {
		if ctx.Err() != nil {
			break
		}
		n, err := p.run(ctx, now)
		*p.dst = n
		s.Metrics.SweepAction(ctx, p.name, n)
		if err != nil {
			log.Error("sweep pass failed", "pass", p.name, "err", err)
		}
	}

	if rep != (Report{}) {
		log.Info("sweep complete",
			"asset_ready_timeouts", rep.AssetReadyTimeouts,
			"pending_timeouts", rep.PendingTimeouts,
			"migrate_requeued", rep.MigrateRequeued,
			"cleanup_requeued", rep.CleanupRequeued,
			"events_replayed", rep.EventsReplayed,
		)
	}
	return rep
}

// timeoutRequested fails calls whose recording was requested but whose asset-ready
// event never arrived. The clock starts at recording_requested_at; call-ended
// annotations do not extend it.
func (s *Sweeper) timeoutRequested(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.AssetReadyTimeout)
	rows, err := s.Service.Store().ListStale(ctx, reconciliation.StateRecordingRequested, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		msg := fmt.Sprintf("no asset-ready event within %s of recording request", s.cfg.AssetReadyTimeout)
		ok, err := s.fail(ctx, r, msg, alert.LevelCritical, alert.CodeAssetReadyTimeout)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// timeoutPending fails dispatches whose call never connected.
func (s *Sweeper) timeoutPending(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.Service.Store().ListStale(ctx, reconciliation.StatePending, now.Add(-s.cfg.PendingTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		msg := fmt.Sprintf("call never connected within %s of dispatch", s.cfg.PendingTimeout)
		ok, err := s.fail(ctx, r, msg, alert.LevelWarning, alert.CodePendingTimeout)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Sweeper) fail(ctx context.Context, r reconciliation.Reconciliation, msg string, level alert.Level, code string) (bool, error) {
	ctx = logger.WithAttrs(ctx, "reconciliation_id", r.ID, "intake_id", r.IntakeID)
	_, err := s.Service.Transition(ctx, r.ID,
		[]reconciliation.State{r.State},
		reconciliation.StateFailed,
		reconciliation.Patch{LastError: msg},
	)
	if errors.Is(err, reconciliation.ErrStateMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger.From(ctx).Warn("reconciliation timed out", "from", r.State, "reason", msg)
	if err := s.Audit.LogEscalation(ctx, r.ID, r.IntakeID, msg); err != nil {
		logger.From(ctx).Error("audit escalation failed", "err", err)
	}
	s.Alerts.Notify(ctx, alert.Alert{
		Level:            level,
		Code:             code,
		Message:          msg,
		ReconciliationID: r.ID,
		IntakeID:         r.IntakeID,
	})
	return true, nil
}

// requeueOverdue re-enqueues rows whose background work is overdue by more than the
// grace period, which means their queue entry was lost.
func (s *Sweeper) requeueOverdue(state reconciliation.State, kind queue.Kind) func(context.Context, time.Time) (int, error) {
	return func(ctx context.Context, now time.Time) (int, error) {
		rows, err := s.Service.Store().ListOverdue(ctx, state, now.Add(-s.cfg.Grace), s.cfg.BatchSize)
		if err != nil {
			return 0, err
		}
		for i, r := range rows {
			if err := s.Queue.Enqueue(ctx, queue.Job{Kind: kind, Ref: r.ID}, now); err != nil {
				return i, err
			}
		}
		return len(rows), nil
	}
}

// replayEvents re-enqueues ledger entries that were recorded but never completed.
func (s *Sweeper) replayEvents(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.Ledger.ListUnprocessed(ctx, now.Add(-s.cfg.Grace), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := s.Queue.Enqueue(ctx, queue.Job{Kind: queue.KindProcessEvent, Ref: e.EventID}, now); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
