package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// There are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, types []EventType, limit int) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Only operators may read it.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ReconciliationID == "" && e.WebhookEventID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records an applied state transition.
func (s *Service) LogTransition(ctx context.Context, reconciliationID, intakeID, from, to, detail string) error {
	meta, _ := json.Marshal(map[string]string{"from": from, "to": to})
	msg := from + " -> " + to
	if detail != "" {
		msg += ": " + detail
	}
	return s.Append(ctx, Event{
		Type:             EventTypeTransition,
		ReconciliationID: reconciliationID,
		IntakeID:         intakeID,
		Message:          msg,
		Metadata:         string(meta),
	})
}

// LogUnmatched retains a webhook event that matched no reconciliation, with its payload.
func (s *Service) LogUnmatched(ctx context.Context, webhookEventID, reason string, payload []byte) error {
	return s.Append(ctx, Event{
		Type:           EventTypeUnmatched,
		WebhookEventID: webhookEventID,
		Message:        reason,
		Metadata:       jsonOrEmpty(payload),
	})
}

// LogAmbiguous retains a webhook event whose fallback match had several candidates.
func (s *Service) LogAmbiguous(ctx context.Context, webhookEventID string, candidateIDs []string, payload []byte) error {
	meta, _ := json.Marshal(map[string]any{
		"candidates": candidateIDs,
		"event":      json.RawMessage(jsonOrNull(payload)),
	})
	return s.Append(ctx, Event{
		Type:           EventTypeAmbiguousMatch,
		WebhookEventID: webhookEventID,
		Message:        "fallback match ambiguous",
		Metadata:       string(meta),
	})
}

// LogEscalation records that a reconciliation needs manual intervention.
func (s *Service) LogEscalation(ctx context.Context, reconciliationID, intakeID, message string) error {
	return s.Append(ctx, Event{
		Type:             EventTypeEscalation,
		ReconciliationID: reconciliationID,
		IntakeID:         intakeID,
		Message:          message,
	})
}

// ReviewQueue lists the most recent events awaiting manual review.
func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, ReviewTypes, limit)
}

func jsonOrEmpty(b []byte) string {
	if !json.Valid(b) {
		return ""
	}
	return string(b)
}

func jsonOrNull(b []byte) []byte {
	if !json.Valid(b) {
		return []byte("null")
	}
	return b
}
