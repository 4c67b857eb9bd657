package stay

import (
	"context"

	"github.com/warp/folio-engine/folio"
)

// Store persists reservations, rooms, guests, audit records and, through
// the embedded folio.Store, the folio ledger.
type Store interface {
	folio.Store

	// GetReservation returns ErrReservationNotFound if absent.
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	SaveReservation(ctx context.Context, r Reservation) error
	// ReservationsForRoom returns every reservation referencing the room,
	// terminal ones included.
	ReservationsForRoom(ctx context.Context, roomID string) ([]Reservation, error)

	// GetRoom returns ErrRoomNotFound if absent.
	GetRoom(ctx context.Context, id string) (*Room, error)
	SaveRoom(ctx context.Context, r Room) error
	// ListRooms returns rooms of a tenant; empty tenantID means all.
	ListRooms(ctx context.Context, tenantID string) ([]Room, error)

	UpsertGuest(ctx context.Context, g Guest) error
	// GetGuest returns ErrGuestNotFound if absent.
	GetGuest(ctx context.Context, id string) (*Guest, error)

	AppendAudit(ctx context.Context, e AuditEvent) error
	// AuditTrail returns events for a resource in insertion order.
	AuditTrail(ctx context.Context, resourceID string) ([]AuditEvent, error)
}

// TxStore runs fn inside a transaction. Every write made through the Store
// passed to fn commits together, or none does. Implementations must not
// commit if ctx is done when fn returns.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// AuditSink receives committed audit events. Delivery failures are
// logged by the Coordinator and never undo a transition.
type AuditSink interface {
	Publish(ctx context.Context, events []AuditEvent) error
}
