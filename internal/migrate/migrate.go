// Package migrate copies ready recordings from the provider into durable storage.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/internal/retry"
	"recording-reconciler/internal/storage"
	"recording-reconciler/internal/telephony"
	"recording-reconciler/pkg/logger"
)

// Limiter caps concurrent provider downloads across all workers.
type Limiter interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Escalator records reconciliations that need manual intervention.
type Escalator interface {
	LogEscalation(ctx context.Context, reconciliationID, intakeID, message string) error
}

type Config struct {
	Prefix      string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// SlotWait is how long to defer a job when every download slot is taken.
	SlotWait time.Duration
}

type Deps struct {
	Service  *reconciliation.Service
	Provider telephony.RecordingProvider
	Storage  storage.Store
	Queue    queue.Queue
	Limiter  Limiter
	Audit    Escalator
	Alerts   alert.Notifier
	Metrics  *metrics.Metrics
}

type Worker struct {
	Deps
	cfg   Config
	clock func() time.Time
}

func New(d Deps, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = 5 * time.Second
	}
	return &Worker{Deps: d, cfg: cfg, clock: time.Now}
}

// Handle runs one fetch-and-migrate attempt for the reconciliation id. It returns a
// non-zero time when the job must run again then. The durable URI is recorded only
// after storage has accepted the object.
func (w *Worker) Handle(ctx context.Context, id string) (time.Time, error) {
	r, err := w.Service.Store().GetByID(ctx, id)
	if errors.Is(err, reconciliation.ErrNotFound) {
		logger.From(ctx).Warn("migrate job for unknown reconciliation dropped", "reconciliation_id", id)
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ctx = logger.WithAttrs(ctx, "reconciliation_id", r.ID, "intake_id", r.IntakeID, "attempt", r.AttemptCount+1)
	log := logger.From(ctx)

	if r.State != reconciliation.StateAssetReady {
		log.Debug("migrate skipped", "state", r.State)
		return time.Time{}, nil
	}
	now := w.clock().UTC()
	if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
		return *r.NextAttemptAt, nil
	}

	if w.Limiter != nil {
		ok, err := w.Limiter.TryAcquire(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("acquire download slot: %w", err)
		}
		if !ok {
			log.Debug("download slots exhausted; deferring")
			return now.Add(w.cfg.SlotWait), nil
		}
		defer func() {
			if err := w.Limiter.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release download slot failed", "err", err)
			}
		}()
	}

	uri, duration, err := w.migrate(ctx, r)
	if err != nil {
		return w.fail(ctx, r, err)
	}

	_, err = w.Service.Transition(ctx, r.ID,
		[]reconciliation.State{reconciliation.StateAssetReady},
		reconciliation.StateMigrated,
		reconciliation.Patch{DurableURI: uri, DurationSeconds: duration},
	)
	if errors.Is(err, reconciliation.ErrStateMismatch) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	w.Metrics.MigrateAttempt(ctx, "success")
	log.Info("recording migrated", "durable_uri", uri)

	if err := w.Queue.Enqueue(ctx, queue.Job{Kind: queue.KindCleanup, Ref: r.ID}, w.clock()); err != nil {
		log.Warn("enqueue cleanup failed; sweeper will recover", "err", err)
	}
	return time.Time{}, nil
}

// migrate uploads the recording unless storage already holds this exact recording.
func (w *Worker) migrate(ctx context.Context, r reconciliation.Reconciliation) (string, *int, error) {
	key := storage.RecordingKey(w.cfg.Prefix, r.IntakeID)

	info, exists, err := w.Storage.Stat(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if exists && r.ProviderRecordingID != "" && info.Metadata[storage.MetaProviderRecordingID] == r.ProviderRecordingID {
		logger.From(ctx).Info("recording already in storage; upload skipped", "key", key)
		return w.Storage.URI(key), r.DurationSeconds, nil
	}

	asset, duration, err := w.fetch(ctx, r)
	if err != nil {
		return "", nil, err
	}
	meta := map[string]string{
		storage.MetaProviderRecordingID: r.ProviderRecordingID,
		"intake-id":                     r.IntakeID,
		"reconciliation-id":             r.ID,
	}
	if err := w.Storage.PutObject(ctx, key, asset.Data, asset.ContentType, meta); err != nil {
		return "", nil, err
	}
	return w.Storage.URI(key), duration, nil
}

// fetch downloads by the stored reference and re-resolves it by recording id when it
// has expired or was never supplied.
func (w *Worker) fetch(ctx context.Context, r reconciliation.Reconciliation) (telephony.Asset, *int, error) {
	duration := r.DurationSeconds
	if r.DownloadRef != "" {
		asset, err := w.Provider.Download(ctx, r.DownloadRef)
		if err == nil {
			return asset, duration, nil
		}
		if !errors.Is(err, telephony.ErrReferenceExpired) {
			return telephony.Asset{}, nil, err
		}
		logger.From(ctx).Info("download reference expired; re-resolving")
	}
	if r.ProviderRecordingID == "" {
		return telephony.Asset{}, nil, errors.New("no download reference and no provider recording id")
	}

	rec, err := w.Provider.GetRecording(ctx, r.ProviderRecordingID)
	if err != nil {
		return telephony.Asset{}, nil, fmt.Errorf("resolve recording: %w", err)
	}
	asset, err := w.Provider.Download(ctx, rec.DownloadRef)
	if err != nil {
		return telephony.Asset{}, nil, err
	}
	if duration == nil {
		duration = rec.DurationSeconds
	}
	return asset, duration, nil
}

func (w *Worker) fail(ctx context.Context, r reconciliation.Reconciliation, cause error) (time.Time, error) {
	log := logger.From(ctx)
	attempt := r.AttemptCount + 1

	if attempt >= w.cfg.MaxAttempts {
		w.Metrics.MigrateAttempt(ctx, "exhausted")
		if _, err := w.Service.RecordFailure(ctx, r.ID, reconciliation.StateAssetReady, reconciliation.StageMigrate, cause, time.Time{}); err != nil {
			if errors.Is(err, reconciliation.ErrStateMismatch) {
				return time.Time{}, nil
			}
			return time.Time{}, err
		}
		msg := fmt.Sprintf("migration failed after %d attempts: %v", attempt, cause)
		_, err := w.Service.Transition(ctx, r.ID,
			[]reconciliation.State{reconciliation.StateAssetReady},
			reconciliation.StateFailed,
			reconciliation.Patch{LastError: msg},
		)
		if errors.Is(err, reconciliation.ErrStateMismatch) {
			return time.Time{}, nil
		}
		if err != nil {
			return time.Time{}, err
		}
		log.Error("migration exhausted", "err", cause)
		if err := w.Audit.LogEscalation(ctx, r.ID, r.IntakeID, msg); err != nil {
			log.Error("audit escalation failed", "err", err)
		}
		w.Alerts.Notify(ctx, alert.Alert{
			Level:            alert.LevelCritical,
			Code:             alert.CodeMigrateExhausted,
			Message:          msg,
			ReconciliationID: r.ID,
			IntakeID:         r.IntakeID,
		})
		return time.Time{}, nil
	}

	w.Metrics.MigrateAttempt(ctx, "failure")
	next := w.clock().UTC().Add(retry.Delay(r.ID, attempt, w.cfg.BackoffBase, w.cfg.BackoffMax))
	if _, err := w.Service.RecordFailure(ctx, r.ID, reconciliation.StateAssetReady, reconciliation.StageMigrate, cause, next); err != nil {
		if errors.Is(err, reconciliation.ErrStateMismatch) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	log.Warn("migration attempt failed", "err", cause, "next_attempt_at", next)
	return next, nil
}
