package events

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal result of processing one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

var ErrNotFound = errors.New("events: not found")

// Entry is one events_seen row. It is written before any business mutation so
// duplicate deliveries are detected even if the process crashes mid-processing.
type Entry struct {
	EventID          string     `json:"event_id"`
	Kind             Kind       `json:"kind"`
	Payload          []byte     `json:"payload"`
	ReceivedAt       time.Time  `json:"received_at"`
	Attempts         int        `json:"attempts"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	ReconciliationID string     `json:"reconciliation_id,omitempty"`
}

func (e Entry) Processed() bool { return e.ProcessedAt != nil }

// Ledger is the events_seen contract.
type Ledger interface {
	// Record inserts the entry if the event id is new. inserted=false returns the
	// existing entry unchanged.
	Record(ctx context.Context, eventID string, kind Kind, payload []byte, now time.Time) (entry Entry, inserted bool, err error)

	Get(ctx context.Context, eventID string) (Entry, error)

	// BeginAttempt increments the attempt counter and returns the updated entry.
	BeginAttempt(ctx context.Context, eventID string) (Entry, error)

	// Complete marks the event processed. The first completion wins; later calls are no-ops.
	Complete(ctx context.Context, eventID string, outcome Outcome, reconciliationID string, now time.Time) error

	// ListUnprocessed returns entries received before the cutoff that were never completed.
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]Entry, error)
}
