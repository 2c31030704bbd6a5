// Package cleanup deletes provider-side recordings once the durable copy is confirmed.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/internal/retry"
	"recording-reconciler/internal/telephony"
	"recording-reconciler/pkg/logger"
)

type Escalator interface {
	LogEscalation(ctx context.Context, reconciliationID, intakeID, message string) error
}

type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Deps struct {
	Service  *reconciliation.Service
	Provider telephony.RecordingProvider
	Audit    Escalator
	Alerts   alert.Notifier
	Metrics  *metrics.Metrics
}

type Manager struct {
	Deps
	cfg   Config
	clock func() time.Time
}

func New(d Deps, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	return &Manager{Deps: d, cfg: cfg, clock: time.Now}
}

// Handle deletes the provider copy of a MIGRATED reconciliation. Deletion is only
// attempted while the row is MIGRATED, which implies a recorded durable URI.
func (m *Manager) Handle(ctx context.Context, id string) (time.Time, error) {
	r, err := m.Service.Store().GetByID(ctx, id)
	if errors.Is(err, reconciliation.ErrNotFound) {
		logger.From(ctx).Warn("cleanup job for unknown reconciliation dropped", "reconciliation_id", id)
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ctx = logger.WithAttrs(ctx, "reconciliation_id", r.ID, "intake_id", r.IntakeID, "attempt", r.CleanupAttemptCount+1)
	log := logger.From(ctx)

	if r.State != reconciliation.StateMigrated || r.DurableURI == "" {
		log.Debug("cleanup skipped", "state", r.State)
		return time.Time{}, nil
	}
	now := m.clock().UTC()
	if r.NextAttemptAt == nil {
		// Retries were exhausted; only an operator re-drive resumes cleanup.
		return time.Time{}, nil
	}
	if r.NextAttemptAt.After(now) {
		return *r.NextAttemptAt, nil
	}

	err = m.Provider.DeleteRecording(ctx, r.ProviderRecordingID)
	if err != nil && !errors.Is(err, telephony.ErrNotFound) {
		return m.fail(ctx, r, err)
	}
	if errors.Is(err, telephony.ErrNotFound) {
		log.Info("provider recording already gone")
	}

	_, err = m.Service.Transition(ctx, r.ID,
		[]reconciliation.State{reconciliation.StateMigrated},
		reconciliation.StateSourceDeleted,
		reconciliation.Patch{},
	)
	if errors.Is(err, reconciliation.ErrStateMismatch) {
		log.Info("cleanup already finalized elsewhere")
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	m.Metrics.CleanupAttempt(ctx, "success")
	log.Info("provider recording deleted")
	return time.Time{}, nil
}

// fail charges a cleanup attempt. Exhaustion leaves the row MIGRATED: the recording is
// safe in durable storage and only the provider copy lingers.
func (m *Manager) fail(ctx context.Context, r reconciliation.Reconciliation, cause error) (time.Time, error) {
	log := logger.From(ctx)
	attempt := r.CleanupAttemptCount + 1

	var next time.Time
	exhausted := attempt >= m.cfg.MaxAttempts
	if !exhausted {
		next = m.clock().UTC().Add(retry.Delay(r.ID+":cleanup", attempt, m.cfg.BackoffBase, m.cfg.BackoffMax))
	}
	if _, err := m.Service.RecordFailure(ctx, r.ID, reconciliation.StateMigrated, reconciliation.StageCleanup, cause, next); err != nil {
		if errors.Is(err, reconciliation.ErrStateMismatch) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}

	if !exhausted {
		m.Metrics.CleanupAttempt(ctx, "failure")
		log.Warn("cleanup attempt failed", "err", cause, "next_attempt_at", next)
		return next, nil
	}

	m.Metrics.CleanupAttempt(ctx, "exhausted")
	msg := fmt.Sprintf("provider deletion failed after %d attempts: %v", attempt, cause)
	log.Error("cleanup exhausted", "err", cause)
	if err := m.Audit.LogEscalation(ctx, r.ID, r.IntakeID, msg); err != nil {
		log.Error("audit escalation failed", "err", err)
	}
	m.Alerts.Notify(ctx, alert.Alert{
		Level:            alert.LevelWarning,
		Code:             alert.CodeCleanupExhausted,
		Message:          msg,
		ReconciliationID: r.ID,
		IntakeID:         r.IntakeID,
	})
	return time.Time{}, nil
}
