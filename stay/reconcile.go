package stay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/folio-engine/lock"
)

// RoomDrift is a room whose stored status disagrees with its reservations.
type RoomDrift struct {
	RoomID   string     `json:"room_id"`
	Number   string     `json:"number"`
	TenantID string     `json:"tenant_id"`
	Stored   RoomStatus `json:"stored"`
	Derived  RoomStatus `json:"derived"`
	// Orphaned is set when the room claims occupancy or a hold that no
	// active reservation backs.
	Orphaned bool `json:"orphaned"`
	Fixed    bool `json:"fixed"`
}

// RoomReconciler detects and repairs room status drift.
type RoomReconciler struct {
	store TxStore
	locks lock.Locker
	log   *slog.Logger
	now   func() time.Time
}

func NewRoomReconciler(store TxStore, locks lock.Locker, log *slog.Logger) *RoomReconciler {
	if log == nil {
		log = slog.Default()
	}
	return &RoomReconciler{
		store: store,
		locks: locks,
		log:   log.With("component", "room_reconciler"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Check lists drifted rooms of a tenant ("" for all). It never writes.
func (rr *RoomReconciler) Check(ctx context.Context, tenantID string) ([]RoomDrift, error) {
	rooms, err := rr.store.ListRooms(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	today := rr.now()
	var out []RoomDrift
	for _, room := range rooms {
		claims, err := rr.store.ReservationsForRoom(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		if d, ok := drift(room, claims, today); ok {
			out = append(out, d)
		}
	}
	for _, d := range out {
		rr.log.Warn("room status drift detected",
			"room_id", d.RoomID, "stored", d.Stored, "derived", d.Derived, "orphaned", d.Orphaned)
	}
	return out, nil
}

// Fix re-derives every drifted room under its room lock and records an
// audit event per correction.
func (rr *RoomReconciler) Fix(ctx context.Context, tenantID, actor string) ([]RoomDrift, error) {
	found, err := rr.Check(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var fixed []RoomDrift
	for _, d := range found {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		got, err := rr.fixOne(ctx, d.RoomID, actor)
		if err != nil {
			return fixed, err
		}
		if got != nil {
			fixed = append(fixed, *got)
		}
	}
	return fixed, nil
}

func (rr *RoomReconciler) fixOne(ctx context.Context, roomID, actor string) (*RoomDrift, error) {
	lease, err := rr.locks.Acquire(ctx, lock.RoomKey(roomID))
	if err != nil {
		return nil, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	var result *RoomDrift
	err = rr.store.WithTx(ctx, func(tx Store) error {
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		claims, err := tx.ReservationsForRoom(ctx, roomID)
		if err != nil {
			return err
		}
		now := rr.now()
		d, ok := drift(*room, claims, now)
		if !ok {
			return nil
		}
		room.Status = d.Derived
		room.Version++
		room.UpdatedAt = now
		if err := tx.SaveRoom(ctx, *room); err != nil {
			return err
		}
		d.Fixed = true
		result = &d
		return tx.AppendAudit(ctx, AuditEvent{
			ID:           uuid.NewString(),
			TenantID:     room.TenantID,
			Actor:        actor,
			Action:       ActionRoomCorrected,
			ResourceType: "room",
			ResourceID:   room.ID,
			Metadata:     map[string]any{"from_status": d.Stored, "to_status": d.Derived, "orphaned": d.Orphaned},
			At:           now,
		})
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		rr.log.Info("room status corrected", "room_id", result.RoomID, "from", result.Stored, "to", result.Derived)
	}
	return result, nil
}

func drift(room Room, claims []Reservation, today time.Time) (RoomDrift, bool) {
	derived := DeriveRoomStatus(room, claims, today)
	if derived == room.Status {
		return RoomDrift{}, false
	}
	orphaned := (room.Status == RoomOccupied || room.Status == RoomReserved) && derived == RoomAvailable
	return RoomDrift{
		RoomID:   room.ID,
		Number:   room.Number,
		TenantID: room.TenantID,
		Stored:   room.Status,
		Derived:  derived,
		Orphaned: orphaned,
	}, true
}
