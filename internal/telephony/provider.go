package telephony

import (
	"context"
	"errors"
	"fmt"
)

// RecordingProvider is the provider-agnostic surface the pipeline needs.
//
// Rules:
//   - No provider SDK or REST calls outside telephony adapters.
//   - Errors crossing this boundary are classified with the sentinels below so workers can
//     decide between retry, re-resolve and success without knowing the provider.
type RecordingProvider interface {
	Name() string

	// StartRecording asks the provider to record an in-progress call.
	StartRecording(ctx context.Context, req StartRecordingRequest) (StartRecordingResult, error)

	// GetRecording resolves a recording id to fresh metadata and a download reference.
	GetRecording(ctx context.Context, recordingID string) (Recording, error)

	// Download fetches the audio behind a (possibly short-lived) download reference.
	Download(ctx context.Context, ref string) (Asset, error)

	// DeleteRecording removes the provider-side copy. ErrNotFound means already gone.
	DeleteRecording(ctx context.Context, recordingID string) error
}

var (
	// ErrNotFound: the provider has no such call or recording.
	ErrNotFound = errors.New("telephony: not found")
	// ErrReferenceExpired: a download reference is no longer valid; re-resolve by id.
	ErrReferenceExpired = errors.New("telephony: download reference expired")
	// ErrNotReady: the recording exists but is not yet complete.
	ErrNotReady = errors.New("telephony: recording not ready")
	// ErrCircuitOpen: calls are being short-circuited after repeated provider failures.
	ErrCircuitOpen = errors.New("telephony: provider circuit open")
)

// APIError is an unclassified non-2xx provider response.
type APIError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("telephony: %s %s: status %d", e.Provider, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("telephony: %s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type StartRecordingRequest struct {
	// ProviderCallID identifies the call at the provider.
	ProviderCallID string `json:"provider_call_id"`

	// CorrelationKey is echoed back on the recording callback when the provider supports
	// caller-supplied identifiers.
	CorrelationKey string `json:"correlation_key,omitempty"`

	// CallbackURL receives recording status events. Empty uses the account default.
	CallbackURL string `json:"callback_url,omitempty"`
}

type StartRecordingResult struct {
	ProviderRecordingID string `json:"provider_recording_id"`
	Status              string `json:"status"`
}

// Recording is provider metadata for one recording.
type Recording struct {
	ProviderRecordingID string `json:"provider_recording_id"`
	ProviderCallID      string `json:"provider_call_id"`
	Status              string `json:"status"`
	DurationSeconds     *int   `json:"duration_seconds,omitempty"`

	// DownloadRef is the reference Download accepts.
	DownloadRef string `json:"download_ref"`
}

// Asset is downloaded audio.
type Asset struct {
	Data        []byte
	ContentType string
}
