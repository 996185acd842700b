// Package deployment advances the per-device deployment action state
// machine and publishes assignment notifications.
package deployment

import (
	"errors"
	"fmt"

	"github.com/otaforge/otaforge/control_plane/store"
)

// CancelRejected is the one reported value that is never stored verbatim:
// it is reclassified as WARNING while the action is canceling, and is a
// protocol violation otherwise.
const CancelRejected = "CANCEL_REJECTED"

// ErrUnknownStatus reports a status value this server does not recognize.
var ErrUnknownStatus = errors.New("unknown action status")

// IllegalStateError reports a CANCEL_REJECTED for an action that is not in
// a cancel flow. It names the actual status for operator diagnosis.
type IllegalStateError struct {
	ActionID string
	Status   store.Status
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cancel-rejected not allowed for action %s in status %s", e.ActionID, e.Status)
}

// Outcome is the result of applying one reported status to an action.
type Outcome struct {
	// Status the action moves to.
	Status store.Status
	// Active is false once the action is terminal.
	Active bool
	// Cancel routes the recording through the dedicated cancel path so
	// the backend can apply cancel-specific bookkeeping.
	Cancel bool
}

// Transition is the pure action status state machine: given the device's
// current action and the status it reported, compute where the action
// moves and whether it stays active. It performs no I/O.
func Transition(current *store.Action, reported string) (Outcome, error) {
	switch store.Status(reported) {
	case store.StatusDownload, store.StatusRetrieved, store.StatusRunning, store.StatusWarning:
		return Outcome{Status: store.Status(reported), Active: true}, nil

	case store.StatusFinished, store.StatusError:
		return Outcome{Status: store.Status(reported), Active: false}, nil

	case store.StatusCanceled:
		return Outcome{Status: store.StatusCanceled, Active: false, Cancel: true}, nil
	}

	if reported == CancelRejected {
		// The device refused a cancel. Only meaningful while the action
		// is in a cancel flow; the action falls back to running with a
		// warning on its trail.
		if current.Status.IsCancelingOrCanceled() {
			return Outcome{Status: store.StatusWarning, Active: true}, nil
		}
		return Outcome{}, &IllegalStateError{ActionID: current.ActionID, Status: current.Status}
	}

	return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStatus, reported)
}
