// Package orchestrator drives reconciliation state from matched telephony events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/events"
	"recording-reconciler/internal/matcher"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/internal/retry"
	"recording-reconciler/internal/telephony"
	"recording-reconciler/pkg/logger"
)

// Auditor is the subset of the audit service the orchestrator writes to.
type Auditor interface {
	LogUnmatched(ctx context.Context, webhookEventID, reason string, payload []byte) error
	LogAmbiguous(ctx context.Context, webhookEventID string, candidateIDs []string, payload []byte) error
	LogEscalation(ctx context.Context, reconciliationID, intakeID, message string) error
}

type Config struct {
	// RecordingCallbackURL receives the provider's recording status callbacks.
	RecordingCallbackURL string

	StartAttempts    int
	StartBackoff     time.Duration
	MaxEventAttempts int

	// StartTimeout bounds the start-recording retries once a row is claimed.
	StartTimeout time.Duration
}

type Deps struct {
	Service  *reconciliation.Service
	Matcher  *matcher.Matcher
	Provider telephony.RecordingProvider
	Queue    queue.Queue
	Ledger   events.Ledger
	Audit    Auditor
	Alerts   alert.Notifier
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	Deps
	cfg   Config
	clock func() time.Time
}

func New(d Deps, cfg Config) *Orchestrator {
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 3
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = 500 * time.Millisecond
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.MaxEventAttempts <= 0 {
		cfg.MaxEventAttempts = 5
	}
	return &Orchestrator{Deps: d, cfg: cfg, clock: time.Now}
}

// Result is the ledger outcome of handling one event.
type Result struct {
	Outcome          events.Outcome
	ReconciliationID string
}

// HandleEvent matches env and applies it. A returned error is an infrastructure
// failure and the event should be retried; business outcomes (no match, duplicate,
// provider refusal) are reported through Result.
func (o *Orchestrator) HandleEvent(ctx context.Context, env events.Envelope) (Result, error) {
	ctx = logger.WithAttrs(ctx, "event_id", env.EventID, "kind", string(env.Kind))

	m, err := o.Matcher.Match(ctx, env)
	if err != nil {
		return Result{}, err
	}
	o.Metrics.MatchOutcome(ctx, string(m.Outcome), string(m.Via))

	switch m.Outcome {
	case matcher.NoMatch:
		return o.unmatched(ctx, env, m.Reason), nil
	case matcher.Ambiguous:
		return o.ambiguous(ctx, env, m), nil
	}

	r := m.Reconciliation
	ctx = logger.WithAttrs(ctx, "reconciliation_id", r.ID, "intake_id", r.IntakeID, "matched_via", string(m.Via))

	switch env.Kind {
	case events.KindCallConnected:
		return o.onCallConnected(ctx, env, r)
	case events.KindAssetReady:
		return o.onAssetReady(ctx, env, r)
	case events.KindCallEnded:
		return o.onCallEnded(ctx, env, r)
	default:
		return Result{Outcome: events.OutcomeIgnored, ReconciliationID: r.ID}, nil
	}
}

// onCallConnected claims the row before asking the provider to record, so concurrent
// or duplicate connect events issue at most one start-recording command. Once claimed,
// the retries run to completion even if ctx is cancelled: the row must leave this
// call either recording or FAILED, because a redelivered event sees the claim and
// will not start recording again.
func (o *Orchestrator) onCallConnected(ctx context.Context, env events.Envelope, r reconciliation.Reconciliation) (Result, error) {
	log := logger.From(ctx)
	callID := firstNonEmpty(env.Data.ProviderCallID, r.ProviderCallID)

	if r.State != reconciliation.StatePending {
		if r.Active() && r.ProviderCallID == "" && callID != "" {
			o.attachCallID(ctx, r, callID)
		}
		log.Info("call connected for already progressed reconciliation", "state", r.State)
		return Result{Outcome: events.OutcomeDuplicate, ReconciliationID: r.ID}, nil
	}

	claimed, err := o.Service.Transition(ctx, r.ID,
		[]reconciliation.State{reconciliation.StatePending},
		reconciliation.StateRecordingRequested,
		reconciliation.Patch{ProviderCallID: env.Data.ProviderCallID},
	)
	if errors.Is(err, reconciliation.ErrStateMismatch) {
		return Result{Outcome: events.OutcomeDuplicate, ReconciliationID: r.ID}, nil
	}
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StartTimeout)
	defer cancel()

	if callID == "" {
		return o.failStart(ctx, claimed, errors.New("no provider call id to record"))
	}

	var started telephony.StartRecordingResult
	err = retry.Do(ctx, o.cfg.StartAttempts, o.cfg.StartBackoff, func(attempt int) error {
		var err error
		started, err = o.Provider.StartRecording(ctx, telephony.StartRecordingRequest{
			ProviderCallID: callID,
			CorrelationKey: claimed.CorrelationKey,
			CallbackURL:    o.cfg.RecordingCallbackURL,
		})
		if err != nil {
			log.Warn("start recording attempt failed", "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return o.failStart(ctx, claimed, err)
	}

	log.Info("recording started", "provider_recording_id", started.ProviderRecordingID)
	if started.ProviderRecordingID != "" {
		_, err := o.Service.Annotate(ctx, r.ID,
			[]reconciliation.State{reconciliation.StateRecordingRequested},
			reconciliation.Patch{ProviderRecordingID: started.ProviderRecordingID},
		)
		if err != nil && !errors.Is(err, reconciliation.ErrStateMismatch) {
			log.Warn("record provider recording id failed", "err", err)
		}
	}
	return Result{Outcome: events.OutcomeApplied, ReconciliationID: r.ID}, nil
}

func (o *Orchestrator) failStart(ctx context.Context, r reconciliation.Reconciliation, cause error) (Result, error) {
	msg := fmt.Sprintf("start recording failed: %v", cause)
	_, err := o.Service.Transition(ctx, r.ID,
		[]reconciliation.State{reconciliation.StateRecordingRequested},
		reconciliation.StateFailed,
		reconciliation.Patch{LastError: msg},
	)
	if errors.Is(err, reconciliation.ErrStateMismatch) {
		logger.From(ctx).Info("start recording failed after the reconciliation moved on", "err", cause)
		return Result{Outcome: events.OutcomeDuplicate, ReconciliationID: r.ID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	o.escalate(ctx, r, alert.LevelCritical, alert.CodeStartRecordingFailed, msg)
	return Result{Outcome: events.OutcomeApplied, ReconciliationID: r.ID}, nil
}

func (o *Orchestrator) onAssetReady(ctx context.Context, env events.Envelope, r reconciliation.Reconciliation) (Result, error) {
	log := logger.From(ctx)
	d := env.Data

	if d.ProviderCallID != "" && r.ProviderCallID != "" && d.ProviderCallID != r.ProviderCallID {
		return o.unmatched(ctx, env, fmt.Sprintf("asset for call %s offered to reconciliation bound to call %s", d.ProviderCallID, r.ProviderCallID)), nil
	}

	switch r.State {
	case reconciliation.StatePending, reconciliation.StateRecordingRequested:
		_, err := o.Service.Transition(ctx, r.ID,
			[]reconciliation.State{reconciliation.StatePending, reconciliation.StateRecordingRequested},
			reconciliation.StateAssetReady,
			reconciliation.Patch{
				ProviderCallID:      d.ProviderCallID,
				ProviderRecordingID: d.ProviderRecordingID,
				DownloadRef:         d.DownloadRef,
				DurationSeconds:     d.DurationSeconds,
			},
		)
		if errors.Is(err, reconciliation.ErrStateMismatch) {
			return Result{Outcome: events.OutcomeDuplicate, ReconciliationID: r.ID}, nil
		}
		if err != nil {
			return Result{}, err
		}
		job := queue.Job{Kind: queue.KindMigrate, Ref: r.ID}
		if err := o.Queue.Enqueue(ctx, job, o.clock()); err != nil {
			log.Warn("enqueue migrate failed; sweeper will recover", "err", err)
		}
		return Result{Outcome: events.OutcomeApplied, ReconciliationID: r.ID}, nil

	case reconciliation.StateFailed:
		o.escalate(ctx, r, alert.LevelWarning, alert.CodeLateAsset,
			fmt.Sprintf("recording %s became available after the reconciliation failed", d.ProviderRecordingID))
		return Result{Outcome: events.OutcomeIgnored, ReconciliationID: r.ID}, nil

	default:
		if r.ProviderRecordingID != "" && r.ProviderRecordingID != d.ProviderRecordingID {
			log.Warn("asset ready for a different recording ignored",
				"provider_recording_id", d.ProviderRecordingID,
				"current_recording_id", r.ProviderRecordingID,
			)
		}
		return Result{Outcome: events.OutcomeDuplicate, ReconciliationID: r.ID}, nil
	}
}

func (o *Orchestrator) onCallEnded(ctx context.Context, env events.Envelope, r reconciliation.Reconciliation) (Result, error) {
	if r.Active() && r.ProviderCallID == "" && env.Data.ProviderCallID != "" {
		o.attachCallID(ctx, r, env.Data.ProviderCallID)
		return Result{Outcome: events.OutcomeApplied, ReconciliationID: r.ID}, nil
	}
	return Result{Outcome: events.OutcomeIgnored, ReconciliationID: r.ID}, nil
}

func (o *Orchestrator) attachCallID(ctx context.Context, r reconciliation.Reconciliation, callID string) {
	_, err := o.Service.Annotate(ctx, r.ID, []reconciliation.State{r.State}, reconciliation.Patch{ProviderCallID: callID})
	if err != nil && !errors.Is(err, reconciliation.ErrStateMismatch) {
		logger.From(ctx).Warn("attach provider call id failed", "err", err)
	}
}

func (o *Orchestrator) unmatched(ctx context.Context, env events.Envelope, reason string) Result {
	logger.From(ctx).Warn("event matched no reconciliation", "reason", reason)
	if err := o.Audit.LogUnmatched(ctx, env.EventID, reason, payload(env)); err != nil {
		logger.From(ctx).Error("audit unmatched event failed", "err", err)
	}
	o.Alerts.Notify(ctx, alert.Alert{
		Level:   alert.LevelWarning,
		Code:    alert.CodeUnmatchedEvent,
		Message: reason,
		EventID: env.EventID,
		Details: map[string]string{"kind": string(env.Kind), "callee_number": env.Data.CalleeNumber},
	})
	return Result{Outcome: events.OutcomeNoMatch}
}

func (o *Orchestrator) ambiguous(ctx context.Context, env events.Envelope, m matcher.Result) Result {
	logger.From(ctx).Warn("event matched several reconciliations", "candidates", m.Candidates)
	if err := o.Audit.LogAmbiguous(ctx, env.EventID, m.Candidates, payload(env)); err != nil {
		logger.From(ctx).Error("audit ambiguous match failed", "err", err)
	}
	o.Alerts.Notify(ctx, alert.Alert{
		Level:   alert.LevelCritical,
		Code:    alert.CodeAmbiguousMatch,
		Message: m.Reason,
		EventID: env.EventID,
		Details: map[string]string{"kind": string(env.Kind), "callee_number": env.Data.CalleeNumber},
	})
	return Result{Outcome: events.OutcomeAmbiguous}
}

func (o *Orchestrator) escalate(ctx context.Context, r reconciliation.Reconciliation, level alert.Level, code, msg string) {
	logger.From(ctx).Error("reconciliation escalated", "code", code, "message", msg)
	if err := o.Audit.LogEscalation(ctx, r.ID, r.IntakeID, msg); err != nil {
		logger.From(ctx).Error("audit escalation failed", "err", err)
	}
	o.Alerts.Notify(ctx, alert.Alert{
		Level:            level,
		Code:             code,
		Message:          msg,
		ReconciliationID: r.ID,
		IntakeID:         r.IntakeID,
	})
}

func payload(env events.Envelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
