package reconciliation

import "time"

// State is the lifecycle position of one recording reconciliation.
type State string

const (
	StatePending            State = "PENDING"
	StateRecordingRequested State = "RECORDING_REQUESTED"
	StateAssetReady         State = "ASSET_READY"
	StateMigrated           State = "MIGRATED"
	StateSourceDeleted      State = "SOURCE_DELETED"
	StateFailed             State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending,
	StateRecordingRequested,
	StateAssetReady,
	StateMigrated,
	StateSourceDeleted,
	StateFailed,
}

// Reconciliation is the durable per-call record driving a recording from
// dispatch to durable storage and provider-side deletion.
//
// Invariants:
// - DurableURI is set iff State is MIGRATED or SOURCE_DELETED.
// - At most one non-terminal row per IntakeID and per CorrelationKey.
// - Rows are never deleted; terminal rows are retained for audit.
type Reconciliation struct {
	ID             string `json:"id" db:"id"`
	IntakeID       string `json:"intake_id" db:"intake_id"`
	CalleeNumber   string `json:"callee_number" db:"callee_number"`
	CorrelationKey string `json:"correlation_key" db:"correlation_key"`

	// Provider identifiers are empty until the provider reports them.
	ProviderCallID      string `json:"provider_call_id,omitempty" db:"provider_call_id"`
	ProviderRecordingID string `json:"provider_recording_id,omitempty" db:"provider_recording_id"`

	State      State  `json:"state" db:"state"`
	DurableURI string `json:"durable_uri,omitempty" db:"durable_uri"`

	// DownloadRef is the short-lived media reference from the asset-ready event.
	DownloadRef     string `json:"-" db:"download_ref"`
	DurationSeconds *int   `json:"duration_seconds,omitempty" db:"duration_seconds"`

	// Retry bookkeeping. AttemptCount tracks fetch/migrate, CleanupAttemptCount tracks
	// provider deletion. NextAttemptAt is nil when no background work is owed.
	AttemptCount        int        `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError           string     `json:"last_error,omitempty" db:"last_error"`
	CleanupAttemptCount int        `json:"cleanup_attempt_count" db:"cleanup_attempt_count"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`

	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
	RecordingRequestedAt *time.Time `json:"recording_requested_at,omitempty" db:"recording_requested_at"`
	AssetReadyAt         *time.Time `json:"asset_ready_at,omitempty" db:"asset_ready_at"`
	MigratedAt           *time.Time `json:"migrated_at,omitempty" db:"migrated_at"`
	SourceDeletedAt      *time.Time `json:"source_deleted_at,omitempty" db:"source_deleted_at"`
	FailedAt             *time.Time `json:"failed_at,omitempty" db:"failed_at"`
}

// Active reports whether the row still participates in uniqueness and matching.
func (r Reconciliation) Active() bool { return !IsTerminal(r.State) }

// Patch carries optional field updates applied together with a state change.
// Empty strings and nil pointers leave the stored value untouched.
type Patch struct {
	ProviderCallID      string
	ProviderRecordingID string
	DurableURI          string
	DownloadRef         string
	DurationSeconds     *int
	LastError           string

	NextAttemptAt    *time.Time
	ClearNextAttempt bool
}

// Stage selects which retry counter a failure is charged to.
type Stage string

const (
	StageMigrate Stage = "migrate"
	StageCleanup Stage = "cleanup"
)

// Status is the coarse availability shown to intake staff.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRecording  Status = "recording_in_progress"
	StatusProcessing Status = "processing"
	StatusAvailable  Status = "available"
	StatusFailed     Status = "failed"
)

// StatusOf maps a lifecycle state to the UI status. FAILED is deliberately distinct
// from the not-yet-available statuses so staff know manual follow-up is required.
func StatusOf(s State) Status {
	switch s {
	case StateRecordingRequested:
		return StatusRecording
	case StateAssetReady:
		return StatusProcessing
	case StateMigrated, StateSourceDeleted:
		return StatusAvailable
	case StateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// View is the read model returned to dispatch and UI collaborators.
type View struct {
	IntakeID        string `json:"intake_id"`
	State           State  `json:"state"`
	Status          Status `json:"status"`
	DurableURI      string `json:"durable_uri,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

func (r Reconciliation) View() View {
	return View{
		IntakeID:        r.IntakeID,
		State:           r.State,
		Status:          StatusOf(r.State),
		DurableURI:      r.DurableURI,
		DurationSeconds: r.DurationSeconds,
		LastError:       r.LastError,
	}
}

// RegisterRequest is supplied by the call-dispatch collaborator before the call is placed.
type RegisterRequest struct {
	IntakeID     string `json:"intake_id"`
	CalleeNumber string `json:"callee_number"`

	// CorrelationKey defaults to IntakeID.
	CorrelationKey string `json:"correlation_key,omitempty"`
}

// Summary is a per-state count across all rows.
type Summary struct {
	Counts map[State]int `json:"counts"`
	Total  int           `json:"total"`
}
