// Package alert implements alert dispatching to multiple sinks.
package alert

import (
	"context"
	"sync"
	"time"

	"recording-reconciler/pkg/logger"
)

type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelInfo     Level = "info"
)

// Alert is one operator-facing notification.
type Alert struct {
	Level            Level             `json:"level"`
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	ReconciliationID string            `json:"reconciliation_id,omitempty"`
	IntakeID         string            `json:"intake_id,omitempty"`
	EventID          string            `json:"event_id,omitempty"`
	Details          map[string]string `json:"details,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Alert codes raised by the pipeline.
const (
	CodeStartRecordingFailed = "start_recording_failed"
	CodeAssetReadyTimeout    = "asset_ready_timeout"
	CodePendingTimeout       = "pending_timeout"
	CodeMigrateExhausted     = "migrate_exhausted"
	CodeCleanupExhausted     = "cleanup_exhausted"
	CodeUnmatchedEvent       = "unmatched_event"
	CodeAmbiguousMatch       = "ambiguous_match"
	CodeLateAsset            = "late_asset"
	CodeEventExhausted       = "event_exhausted"
)

// Sink is an alert destination.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Notifier is what pipeline components depend on.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Counter observes dispatched alerts (metrics).
type Counter interface {
	RecordAlert(ctx context.Context, level, code string)
}

// Dispatcher routes alerts to configured sinks.
type Dispatcher struct {
	sinks   []Sink
	counter Counter
	clock   func() time.Time
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, clock: time.Now}
}

// WithCounter attaches a metrics observer and returns d.
func (d *Dispatcher) WithCounter(c Counter) *Dispatcher {
	d.counter = c
	return d
}

// Notify sends an alert to all configured sinks. Sink errors are logged and never
// propagated: an alert failure must not fail the pipeline step that raised it.
func (d *Dispatcher) Notify(ctx context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = d.clock().UTC()
	}
	if d.counter != nil {
		d.counter.RecordAlert(ctx, string(a.Level), a.Code)
	}
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, a); err != nil {
			logger.From(ctx).Error("alert delivery failed", "sink", sink.Name(), "code", a.Code, "err", err)
		}
	}
}

// Recorder is an in-memory Notifier for tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Codes lists recorded alert codes in order.
func (r *Recorder) Codes() []string {
	alerts := r.Alerts()
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Code)
	}
	return out
}
