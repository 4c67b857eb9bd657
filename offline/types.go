/*
Package offline is a durable operation queue for disconnected front desks.

PURPOSE:
  Mutations requested while the network is down (or whose submission
  failed) are persisted as Operations and replayed later through a
  Deliverer, normally the stay Coordinator.

ORDERING POLICY (strict per-session FIFO):
  Operations of one session are delivered one at a time in enqueue order.
  A failed operation blocks every later operation of its session until it
  succeeds, is retried manually, or the session's backoff delay passes.
  Sessions are independent: a blocked session never delays another, and
  different sessions drain concurrently.

LIFECYCLE:
  pending -> syncing -> synced
                     -> failed (retry_count++, last_error, next_attempt_at)
                     -> failed + permanently_failed (max retries or permanent error)

  Synced operations are purged after the retention window. Permanently
  failed operations stay until an operator retries them.
*/
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

type Operation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	// Seq is assigned by the store and totally orders enqueues.
	Seq int64 `json:"seq"`

	Status            Status `json:"status"`
	RetryCount        int    `json:"retry_count"`
	LastError         string `json:"last_error,omitempty"`
	PermanentlyFailed bool   `json:"permanently_failed"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// Store persists operations. Implementations: store/memory, store/sqlite.
type Store interface {
	// InsertOperation stores op and sets op.Seq.
	InsertOperation(ctx context.Context, op *Operation) error
	UpdateOperation(ctx context.Context, op Operation) error
	// GetOperation returns ErrOperationNotFound if absent.
	GetOperation(ctx context.Context, id string) (*Operation, error)
	// UnsyncedOperations returns every operation not yet synced, by Seq.
	UnsyncedOperations(ctx context.Context) ([]Operation, error)
	// OperationsBySession returns a session's operations by Seq.
	OperationsBySession(ctx context.Context, sessionID string) ([]Operation, error)
	// PurgeSynced deletes synced operations synced before the cutoff.
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Deliverer submits one operation to the system of record. Returning an
// error wrapped with Permanent stops retries for that operation.
type Deliverer interface {
	Deliver(ctx context.Context, op Operation) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, op Operation) error

func (f DelivererFunc) Deliver(ctx context.Context, op Operation) error { return f(ctx, op) }

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrOperationNotFound = errors.New("offline operation not found")
	ErrInvalidOperation  = errors.New("invalid offline operation")
	ErrNotFailed         = errors.New("operation is not failed")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// =============================================================================
// REPORTS
// =============================================================================

type Stats struct {
	Pending           int `json:"pending"`
	Syncing           int `json:"syncing"`
	Synced            int `json:"synced"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Sessions  int `json:"sessions"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	// Blocked counts operations held back behind a failed predecessor.
	Blocked int `json:"blocked"`
	// Busy counts sessions skipped because another drain held them.
	Busy int `json:"busy"`
}

func (r *DrainReport) add(o DrainReport) {
	r.Sessions += o.Sessions
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Blocked += o.Blocked
	r.Busy += o.Busy
}

func (r DrainReport) String() string {
	return fmt.Sprintf("sessions=%d delivered=%d failed=%d blocked=%d busy=%d",
		r.Sessions, r.Delivered, r.Failed, r.Blocked, r.Busy)
}
