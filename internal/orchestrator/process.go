package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/events"
	"recording-reconciler/pkg/logger"
)

// ProcessEvent is the process-event job handler. It replays the ledgered envelope
// through HandleEvent and records the outcome; a processed entry is never applied twice.
// Infrastructure errors are returned for retry until MaxEventAttempts is reached.
func (o *Orchestrator) ProcessEvent(ctx context.Context, eventID string) (time.Time, error) {
	ctx = logger.WithAttrs(ctx, "event_id", eventID)
	log := logger.From(ctx)

	entry, err := o.Ledger.Get(ctx, eventID)
	if errors.Is(err, events.ErrNotFound) {
		log.Warn("process-event job for unknown event dropped")
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if entry.Processed() {
		return time.Time{}, nil
	}

	entry, err = o.Ledger.BeginAttempt(ctx, eventID)
	if err != nil {
		return time.Time{}, err
	}

	var env events.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		log.Error("ledger payload unreadable", "err", err)
		return time.Time{}, o.complete(ctx, eventID, events.OutcomeFailed, "")
	}

	res, err := o.HandleEvent(ctx, env)
	if err != nil {
		if entry.Attempts < o.cfg.MaxEventAttempts {
			return time.Time{}, err
		}
		msg := fmt.Sprintf("event processing gave up after %d attempts: %v", entry.Attempts, err)
		log.Error("event processing exhausted", "attempts", entry.Attempts, "err", err)
		o.Alerts.Notify(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Code:    alert.CodeEventExhausted,
			Message: msg,
			EventID: eventID,
		})
		return time.Time{}, o.complete(ctx, eventID, events.OutcomeFailed, "")
	}

	log.Info("event processed", "outcome", res.Outcome, "reconciliation_id", res.ReconciliationID)
	return time.Time{}, o.complete(ctx, eventID, res.Outcome, res.ReconciliationID)
}

func (o *Orchestrator) complete(ctx context.Context, eventID string, outcome events.Outcome, reconciliationID string) error {
	if err := o.Ledger.Complete(ctx, eventID, outcome, reconciliationID, o.clock().UTC()); err != nil {
		return fmt.Errorf("complete ledger entry: %w", err)
	}
	return nil
}
