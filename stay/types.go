/*
Package stay coordinates multi-entity stay transitions.

PURPOSE:
  Check-in, check-out and cancellation each change a Reservation, a Room
  and a Folio together. The Coordinator applies those changes as one unit
  under advisory locks, or not at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - Reservation: the booking whose lifecycle the Coordinator owns
  - Room: physical unit whose status is derived from reservations
  - Guest: profile upserted at check-in
  - AuditEvent: one record per transition, reversal or cancellation

ROOM STATUS INVARIANT:
  A room's status is a function of the reservations claiming it "today":
    out_of_order            -> out_of_order (manual, never derived away)
    any checked_in stay     -> occupied
    soft_hold/confirmed     -> reserved (stay window covers today)
    otherwise               -> available

SEE ALSO:
  - coordinator.go: transitions
  - reconcile.go: room status drift detection
  - replay.go: offline queue delivery into the Coordinator
*/
package stay

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESERVATION
// =============================================================================

type ReservationStatus string

const (
	StatusSoftHold   ReservationStatus = "soft_hold"
	StatusConfirmed  ReservationStatus = "confirmed"
	StatusCheckedIn  ReservationStatus = "checked_in"
	StatusCheckedOut ReservationStatus = "checked_out"
	StatusCancelled  ReservationStatus = "cancelled"
	StatusNoShow     ReservationStatus = "no_show"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusSoftHold, StatusConfirmed, StatusCheckedIn, StatusCheckedOut, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCheckedOut || s == StatusCancelled
}

// ClaimsRoom reports whether a reservation in this status holds its room.
func (s ReservationStatus) ClaimsRoom() bool {
	return s == StatusSoftHold || s == StatusConfirmed || s == StatusCheckedIn
}

type Reservation struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	GuestID  string            `json:"guest_id"`
	RoomID   string            `json:"room_id"`
	CheckIn  time.Time         `json:"check_in"`
	CheckOut time.Time         `json:"check_out"`
	Status   ReservationStatus `json:"status"`
	Total    decimal.Decimal   `json:"total"`

	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	Version int64 `json:"version"`
}

// Covers reports whether the stay window [CheckIn, CheckOut) includes day.
// A same-day stay (CheckOut not after CheckIn) covers its check-in day.
func (r Reservation) Covers(day time.Time) bool {
	d := dateOf(day)
	in, out := dateOf(r.CheckIn), dateOf(r.CheckOut)
	if !out.After(in) {
		return d.Equal(in)
	}
	return !d.Before(in) && d.Before(out)
}

// =============================================================================
// ROOM
// =============================================================================

type RoomStatus string

const (
	RoomAvailable  RoomStatus = "available"
	RoomReserved   RoomStatus = "reserved"
	RoomOccupied   RoomStatus = "occupied"
	RoomOutOfOrder RoomStatus = "out_of_order"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomAvailable, RoomReserved, RoomOccupied, RoomOutOfOrder:
		return true
	}
	return false
}

type Room struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Number    string     `json:"number"`
	Status    RoomStatus `json:"status"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DeriveRoomStatus computes a room's status from the reservations that
// reference it. Reservations for other rooms are ignored.
func DeriveRoomStatus(room Room, reservations []Reservation, today time.Time) RoomStatus {
	if room.Status == RoomOutOfOrder {
		return RoomOutOfOrder
	}
	reserved := false
	for _, r := range reservations {
		if r.RoomID != room.ID {
			continue
		}
		switch r.Status {
		case StatusCheckedIn:
			return RoomOccupied
		case StatusSoftHold, StatusConfirmed:
			if r.Covers(today) {
				reserved = true
			}
		}
	}
	if reserved {
		return RoomReserved
	}
	return RoomAvailable
}

// =============================================================================
// GUEST
// =============================================================================

type Guest struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	TaxExempt bool   `json:"tax_exempt"`
}

// =============================================================================
// AUDIT
// =============================================================================

const (
	ActionCheckIn        = "reservation.checked_in"
	ActionCheckOut       = "reservation.checked_out"
	ActionCancel         = "reservation.cancelled"
	ActionChargeReversed = "folio.charge_reversed"
	ActionFolioCorrected = "folio.corrected"
	ActionRoomCorrected  = "room.corrected"
)

// AuditEvent is the outward record of a state change. Metadata carries the
// before/after facts of the change.
type AuditEvent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	At           time.Time      `json:"at"`
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
