package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Unmatched and ambiguous webhook events keep their full payload in Metadata so an
//   operator can reconcile them by hand.
// - Audit writes are best-effort; do not block pipeline progress on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	ReconciliationID string `json:"reconciliation_id,omitempty" db:"reconciliation_id"`
	IntakeID         string `json:"intake_id,omitempty" db:"intake_id"`
	WebhookEventID   string `json:"webhook_event_id,omitempty" db:"webhook_event_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTransition     EventType = "transition"
	EventTypeUnmatched      EventType = "unmatched_event"
	EventTypeAmbiguousMatch EventType = "ambiguous_match"
	EventTypeEscalation     EventType = "escalation"
)

// ReviewTypes are the event types that need a human decision.
var ReviewTypes = []EventType{EventTypeUnmatched, EventTypeAmbiguousMatch, EventTypeEscalation}
