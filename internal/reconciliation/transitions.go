package reconciliation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("reconciliation: not found")
	ErrConflict          = errors.New("reconciliation: active record conflict")
	ErrStateMismatch     = errors.New("reconciliation: state changed concurrently")
	ErrInvalidTransition = errors.New("reconciliation: invalid transition")
	ErrInvalidArgument   = errors.New("reconciliation: invalid argument")
)

// Transition table: from -> allowed tos.
//
// PENDING -> ASSET_READY covers an asset-ready event processed before the
// call-connected event for the same call. PENDING -> FAILED is used only by the
// sweeper for calls that never connected.
var validTransitions = map[State][]State{
	StatePending:            {StateRecordingRequested, StateAssetReady, StateFailed},
	StateRecordingRequested: {StateAssetReady, StateFailed},
	StateAssetReady:         {StateMigrated, StateFailed},
	StateMigrated:           {StateSourceDeleted},
	StateSourceDeleted:      {},
	StateFailed:             {},
}

// CanTransition checks if moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when any of the expected prior
// states cannot legally move to `to`.
func ValidateTransition(from []State, to State) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no expected state for %s", ErrInvalidTransition, to)
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, f, to)
		}
	}
	return nil
}

// IsTerminal returns true for SOURCE_DELETED and FAILED.
func IsTerminal(s State) bool {
	return s == StateSourceDeleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}
