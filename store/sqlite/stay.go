package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/folio-engine/stay"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, tenant_id, guest_id, room_id, check_in, check_out, status, total,
	checked_in_at, checked_out_at, cancelled_at, cancel_reason, version`

func (c *conn) GetReservation(ctx context.Context, id string) (*stay.Reservation, error) {
	rows, err := c.queryReservations(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", stay.ErrReservationNotFound, id)
	}
	return &rows[0], nil
}

func (c *conn) SaveReservation(ctx context.Context, r stay.Reservation) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			guest_id = excluded.guest_id,
			room_id = excluded.room_id,
			check_in = excluded.check_in,
			check_out = excluded.check_out,
			status = excluded.status,
			total = excluded.total,
			checked_in_at = excluded.checked_in_at,
			checked_out_at = excluded.checked_out_at,
			cancelled_at = excluded.cancelled_at,
			cancel_reason = excluded.cancel_reason,
			version = excluded.version`,
		r.ID,
		r.TenantID,
		nullString(r.GuestID),
		nullString(r.RoomID),
		formatTime(r.CheckIn),
		formatTime(r.CheckOut),
		r.Status,
		r.Total.String(),
		nullTime(r.CheckedInAt),
		nullTime(r.CheckedOutAt),
		nullTime(r.CancelledAt),
		nullString(r.CancelReason),
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

func (c *conn) ReservationsForRoom(ctx context.Context, roomID string) ([]stay.Reservation, error) {
	return c.queryReservations(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE room_id = ? ORDER BY id`, roomID)
}

func (c *conn) queryReservations(ctx context.Context, query string, args ...any) ([]stay.Reservation, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []stay.Reservation
	for rows.Next() {
		var (
			r                                stay.Reservation
			checkIn, checkOut, total         string
			guest, room, reason              sql.NullString
			checkedIn, checkedOut, cancelled sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &guest, &room, &checkIn, &checkOut, &r.Status, &total,
			&checkedIn, &checkedOut, &cancelled, &reason, &r.Version); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.GuestID = guest.String
		r.RoomID = room.String
		r.CheckIn = parseTime(checkIn)
		r.CheckOut = parseTime(checkOut)
		r.Total = parseMoney(total)
		r.CheckedInAt = timePtr(checkedIn)
		r.CheckedOutAt = timePtr(checkedOut)
		r.CancelledAt = timePtr(cancelled)
		r.CancelReason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ROOMS
// =============================================================================

func (c *conn) GetRoom(ctx context.Context, id string) (*stay.Room, error) {
	rooms, err := c.queryRooms(ctx, `SELECT id, tenant_id, number, status, version, updated_at FROM rooms WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: %s", stay.ErrRoomNotFound, id)
	}
	return &rooms[0], nil
}

func (c *conn) SaveRoom(ctx context.Context, r stay.Room) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO rooms (id, tenant_id, number, status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			number = excluded.number,
			status = excluded.status,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		r.ID, r.TenantID, r.Number, r.Status, r.Version, formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

func (c *conn) ListRooms(ctx context.Context, tenantID string) ([]stay.Room, error) {
	query := `SELECT id, tenant_id, number, status, version, updated_at FROM rooms`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	return c.queryRooms(ctx, query+` ORDER BY id`, args...)
}

func (c *conn) queryRooms(ctx context.Context, query string, args ...any) ([]stay.Room, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var out []stay.Room
	for rows.Next() {
		var (
			r       stay.Room
			updated string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Number, &r.Status, &r.Version, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// GUESTS
// =============================================================================

func (c *conn) UpsertGuest(ctx context.Context, g stay.Guest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO guests (id, tenant_id, name, email, phone, tax_exempt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			tax_exempt = excluded.tax_exempt`,
		g.ID, g.TenantID, g.Name, nullString(g.Email), nullString(g.Phone), g.TaxExempt,
	)
	if err != nil {
		return fmt.Errorf("failed to save guest: %w", err)
	}
	return nil
}

func (c *conn) GetGuest(ctx context.Context, id string) (*stay.Guest, error) {
	var (
		g            stay.Guest
		email, phone sql.NullString
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, email, phone, tax_exempt FROM guests WHERE id = ?`, id,
	).Scan(&g.ID, &g.TenantID, &g.Name, &email, &phone, &g.TaxExempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", stay.ErrGuestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guest: %w", err)
	}
	g.Email = email.String
	g.Phone = phone.String
	return &g, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c *conn) AppendAudit(ctx context.Context, e stay.AuditEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor, action, resource_type, resource_id, metadata_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullString(e.Actor), e.Action, e.ResourceType, e.ResourceID, string(meta), formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (c *conn) AuditTrail(ctx context.Context, resourceID string) ([]stay.AuditEvent, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, tenant_id, actor, action, resource_type, resource_id, metadata_json, at
		FROM audit_log WHERE resource_id = ? ORDER BY seq`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []stay.AuditEvent
	for rows.Next() {
		var (
			e           stay.AuditEvent
			actor, meta sql.NullString
			at          string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &actor, &e.Action, &e.ResourceType, &e.ResourceID, &meta, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		e.Actor = actor.String
		e.At = parseTime(at)
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
