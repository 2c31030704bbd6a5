// Package metrics holds the pipeline's OpenTelemetry instruments.
//
// Every method is safe on a nil *Metrics so components can run without telemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all reconciliation metrics instruments.
type Metrics struct {
	EventsReceived  metric.Int64Counter
	EventsDuplicate metric.Int64Counter
	EventsRejected  metric.Int64Counter
	MatchOutcomes   metric.Int64Counter
	Transitions     metric.Int64Counter
	MigrateAttempts metric.Int64Counter
	CleanupAttempts metric.Int64Counter
	Alerts          metric.Int64Counter
	SweepActions    metric.Int64Counter
	JobDuration     metric.Float64Histogram
}

// New creates all metric instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EventsReceived, "recon.events.received", "Webhook events accepted into the ledger"},
		{&m.EventsDuplicate, "recon.events.duplicate", "Webhook deliveries recognized as duplicates"},
		{&m.EventsRejected, "recon.events.rejected", "Webhook deliveries rejected before the ledger"},
		{&m.MatchOutcomes, "recon.match.outcomes", "Event match outcomes"},
		{&m.Transitions, "recon.transitions", "Applied reconciliation state transitions"},
		{&m.MigrateAttempts, "recon.migrate.attempts", "Fetch-and-migrate attempts"},
		{&m.CleanupAttempts, "recon.cleanup.attempts", "Provider cleanup attempts"},
		{&m.Alerts, "recon.alerts", "Operator alerts raised"},
		{&m.SweepActions, "recon.sweep.actions", "Rows acted on by the sweeper"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.JobDuration, err = meter.Float64Histogram("recon.job.duration",
		metric.WithDescription("Work queue job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) EventReceived(ctx context.Context, source, kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) EventDuplicate(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.EventsDuplicate.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) EventRejected(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) MatchOutcome(ctx context.Context, outcome, via string) {
	if m == nil {
		return
	}
	m.MatchOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("via", via),
	))
}

// RecordTransition satisfies reconciliation.TransitionObserver.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) MigrateAttempt(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.MigrateAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) CleanupAttempt(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CleanupAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAlert satisfies alert.Counter.
func (m *Metrics) RecordAlert(ctx context.Context, level, code string) {
	if m == nil {
		return
	}
	m.Alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("code", code),
	))
}

func (m *Metrics) SweepAction(ctx context.Context, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepActions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) ObserveJob(ctx context.Context, kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
