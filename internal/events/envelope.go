// Package events defines the normalized telephony webhook envelope and the
// events_seen ledger used for idempotent receipt.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a telephony event.
type Kind string

const (
	KindCallConnected Kind = "call-connected"
	KindAssetReady    Kind = "asset-ready"
	KindCallEnded     Kind = "call-ended"
)

func (k Kind) Known() bool {
	switch k {
	case KindCallConnected, KindAssetReady, KindCallEnded:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidEnvelope = errors.New("events: invalid envelope")
	ErrUnknownKind     = errors.New("events: unknown kind")
)

// Envelope is the provider-agnostic form of one webhook delivery.
// Provider adapters translate their native payloads into it.
type Envelope struct {
	EventID    string    `json:"event_id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	// Source names the adapter that produced the envelope (e.g. "generic", "twilio").
	Source string `json:"source,omitempty"`

	Data Data `json:"data"`
}

// Data holds the identifying fields an event may carry. Which ones are present
// depends on Kind and on provider support for caller-supplied identifiers.
type Data struct {
	ProviderCallID      string `json:"provider_call_id,omitempty"`
	CalleeNumber        string `json:"callee_number,omitempty"`
	CorrelationKey      string `json:"correlation_key,omitempty"`
	ProviderRecordingID string `json:"provider_recording_id,omitempty"`
	DownloadRef         string `json:"download_ref,omitempty"`
	DurationSeconds     *int   `json:"duration_seconds,omitempty"`
}

// Normalize trims identifiers in place.
func (e *Envelope) Normalize() {
	e.EventID = strings.TrimSpace(e.EventID)
	e.Kind = Kind(strings.ToLower(strings.TrimSpace(string(e.Kind))))
	d := &e.Data
	d.ProviderCallID = strings.TrimSpace(d.ProviderCallID)
	d.CalleeNumber = strings.TrimSpace(d.CalleeNumber)
	d.CorrelationKey = strings.TrimSpace(d.CorrelationKey)
	d.ProviderRecordingID = strings.TrimSpace(d.ProviderRecordingID)
	d.DownloadRef = strings.TrimSpace(d.DownloadRef)
}

// Validate checks the envelope is processable. ErrUnknownKind is returned separately
// so callers can acknowledge (and ignore) event kinds this service does not consume.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	}
	if !e.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEnvelope)
	}
	d := e.Data
	if d.CorrelationKey == "" && d.ProviderCallID == "" && d.CalleeNumber == "" {
		return fmt.Errorf("%w: no identifying fields", ErrInvalidEnvelope)
	}
	if e.Kind == KindAssetReady && d.ProviderRecordingID == "" {
		return fmt.Errorf("%w: asset-ready requires provider_recording_id", ErrInvalidEnvelope)
	}
	if d.DurationSeconds != nil && *d.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidEnvelope)
	}
	return nil
}
