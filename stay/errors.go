/*
errors.go - Error types for stay transitions

Business-rule rejections are NOT errors. They come back as a Result with
Success=false and a Code. Errors from the Coordinator mean the outcome is
either unknown (timeout) or the system failed (lock, storage).

ERROR CATEGORIES:
  1. Lookup   - reservation, room or guest does not exist
  2. Timeout  - the transition did not finish in time; re-read state
  3. Lock     - lock.ErrLockTimeout, retryable with backoff
*/
package stay

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/lock"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrGuestNotFound       = errors.New("guest not found")

	// ErrTransitionTimeout means the transition's deadline passed. The
	// effect may or may not have committed.
	ErrTransitionTimeout = errors.New("transition timed out")
)

// TransitionTimeoutError names the transition and reservation that timed out.
type TransitionTimeoutError struct {
	Transition    Transition
	ReservationID string
	Timeout       time.Duration
}

func (e *TransitionTimeoutError) Error() string {
	return fmt.Sprintf("%s of reservation %s did not complete within %s; re-read state before retrying",
		e.Transition, e.ReservationID, e.Timeout)
}

func (e *TransitionTimeoutError) Unwrap() error { return ErrTransitionTimeout }

// =============================================================================
// REJECTION CODES
// =============================================================================

type Code string

const (
	CodeAlreadyCheckedIn   Code = "already_checked_in"
	CodeAlreadyCheckedOut  Code = "already_checked_out"
	CodeAlreadyCancelled   Code = "already_cancelled"
	CodeInvalidState       Code = "invalid_state"
	CodeRoomConflict       Code = "room_conflict"
	CodeRoomUnavailable    Code = "room_unavailable"
	CodeTenantMismatch     Code = "tenant_mismatch"
	CodeBalanceOutstanding Code = "balance_outstanding"
	CodeCheckedInStay      Code = "checked_in_stay"
)

// InTargetState reports whether a rejection means the requested state
// already holds. Replayed operations treat this as success.
func (c Code) InTargetState() bool {
	return c == CodeAlreadyCheckedIn || c == CodeAlreadyCheckedOut || c == CodeAlreadyCancelled
}

// rejection aborts the store transaction and carries the business result
// back to the caller.
type rejection struct {
	result Result
}

func (r *rejection) Error() string { return string(r.result.Code) + ": " + r.result.Message }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true for lock conflicts and stale folio versions.
func IsRetryable(err error) bool {
	return errors.Is(err, lock.ErrLockTimeout) || folio.IsRetryable(err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrGuestNotFound) ||
		folio.IsNotFound(err)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTransitionTimeout)
}

func IsClientError(err error) bool {
	return folio.IsClientError(err)
}
