package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/tax"
)

// ErrDuplicateIdempotencyKey is returned when a line item reuses a key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// =============================================================================
// FOLIO HEADERS
// =============================================================================

const folioColumns = `id, tenant_id, reservation_id, total_charges, total_payments, balance,
	status, version, opened_at, closed_at`

func (c *conn) GetFolio(ctx context.Context, id folio.FolioID) (*folio.Folio, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+folioColumns+` FROM folios WHERE id = ?`, id)
	f, err := scanFolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", folio.ErrFolioNotFound, id)
	}
	return f, err
}

func (c *conn) FolioForReservation(ctx context.Context, reservationID string) (*folio.Folio, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+folioColumns+` FROM folios
		WHERE reservation_id = ?
		ORDER BY opened_at DESC, rowid DESC
		LIMIT 1`, reservationID)
	f, err := scanFolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", folio.ErrFolioNotFound, reservationID)
	}
	return f, err
}

func (c *conn) ListOpenFolios(ctx context.Context, tenantID string) ([]folio.Folio, error) {
	query := `SELECT ` + folioColumns + ` FROM folios WHERE closed_at IS NULL`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY rowid`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folios: %w", err)
	}
	defer rows.Close()

	var out []folio.Folio
	for rows.Next() {
		f, err := scanFolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (c *conn) SaveFolio(ctx context.Context, f folio.Folio) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO folios (`+folioColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_charges = excluded.total_charges,
			total_payments = excluded.total_payments,
			balance = excluded.balance,
			status = excluded.status,
			version = excluded.version,
			closed_at = excluded.closed_at`,
		f.ID,
		f.TenantID,
		f.ReservationID,
		f.TotalCharges.String(),
		f.TotalPayments.String(),
		f.Balance.String(),
		f.Status,
		f.Version,
		formatTime(f.OpenedAt),
		nullTime(f.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save folio: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFolio(s scanner) (*folio.Folio, error) {
	var (
		f                                 folio.Folio
		charges, payments, balance, opend string
		closed                            sql.NullString
	)
	if err := s.Scan(&f.ID, &f.TenantID, &f.ReservationID, &charges, &payments, &balance,
		&f.Status, &f.Version, &opend, &closed); err != nil {
		return nil, err
	}
	f.TotalCharges = parseMoney(charges)
	f.TotalPayments = parseMoney(payments)
	f.Balance = parseMoney(balance)
	f.OpenedAt = parseTime(opend)
	f.ClosedAt = timePtr(closed)
	return &f, nil
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, folio_id, charge_type, description, base_amount, net, vat,
	service_charge, total, breakdown_json, reversal_of, reason, idempotency_key, posted_by, posted_at`

func (c *conn) AppendCharge(ctx context.Context, ch folio.Charge) error {
	breakdown, err := json.Marshal(ch.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO folio_charges (`+chargeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID,
		ch.FolioID,
		ch.Type,
		ch.Description,
		ch.BaseAmount.String(),
		ch.Net.String(),
		ch.VAT.String(),
		ch.ServiceCharge.String(),
		ch.Total.String(),
		string(breakdown),
		nullString(string(ch.ReversalOf)),
		nullString(ch.Reason),
		nullString(ch.IdempotencyKey),
		nullString(ch.PostedBy),
		formatTime(ch.PostedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if ch.IsReversal() {
				return fmt.Errorf("%w: %s", folio.ErrAlreadyReversed, ch.ReversalOf)
			}
			return fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, ch.IdempotencyKey)
		}
		return fmt.Errorf("failed to append charge: %w", err)
	}
	return nil
}

func (c *conn) Charges(ctx context.Context, folioID folio.FolioID) ([]folio.Charge, error) {
	return c.queryCharges(ctx, `SELECT `+chargeColumns+` FROM folio_charges WHERE folio_id = ? ORDER BY rowid`, folioID)
}

func (c *conn) FindChargeByKey(ctx context.Context, folioID folio.FolioID, key string) (*folio.Charge, error) {
	charges, err := c.queryCharges(ctx, `SELECT `+chargeColumns+` FROM folio_charges WHERE folio_id = ? AND idempotency_key = ?`, folioID, key)
	if err != nil || len(charges) == 0 {
		return nil, err
	}
	return &charges[0], nil
}

func (c *conn) queryCharges(ctx context.Context, query string, args ...any) ([]folio.Charge, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var out []folio.Charge
	for rows.Next() {
		var (
			ch                                       folio.Charge
			base, net, vat, sc, total, posted        string
			breakdown, reversal, reason, key, poster sql.NullString
		)
		if err := rows.Scan(&ch.ID, &ch.FolioID, &ch.Type, &ch.Description, &base, &net, &vat,
			&sc, &total, &breakdown, &reversal, &reason, &key, &poster, &posted); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		ch.BaseAmount = parseMoney(base)
		ch.Net = parseMoney(net)
		ch.VAT = parseMoney(vat)
		ch.ServiceCharge = parseMoney(sc)
		ch.Total = parseMoney(total)
		if breakdown.Valid && breakdown.String != "" {
			var lines []tax.Line
			if err := json.Unmarshal([]byte(breakdown.String), &lines); err != nil {
				return nil, fmt.Errorf("failed to decode breakdown of %s: %w", ch.ID, err)
			}
			ch.Breakdown = lines
		}
		ch.ReversalOf = folio.ChargeID(reversal.String)
		ch.Reason = reason.String
		ch.IdempotencyKey = key.String
		ch.PostedBy = poster.String
		ch.PostedAt = parseTime(posted)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, folio_id, amount, method, status, reference, idempotency_key,
	processed_by, received_at`

func (c *conn) AppendPayment(ctx context.Context, p folio.Payment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO folio_payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.FolioID,
		p.Amount.String(),
		p.Method,
		p.Status,
		nullString(p.Reference),
		nullString(p.IdempotencyKey),
		nullString(p.ProcessedBy),
		formatTime(p.ReceivedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, p.IdempotencyKey)
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (c *conn) Payments(ctx context.Context, folioID folio.FolioID) ([]folio.Payment, error) {
	return c.queryPayments(ctx, `SELECT `+paymentColumns+` FROM folio_payments WHERE folio_id = ? ORDER BY rowid`, folioID)
}

func (c *conn) FindPaymentByKey(ctx context.Context, folioID folio.FolioID, key string) (*folio.Payment, error) {
	payments, err := c.queryPayments(ctx, `SELECT `+paymentColumns+` FROM folio_payments WHERE folio_id = ? AND idempotency_key = ?`, folioID, key)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (c *conn) queryPayments(ctx context.Context, query string, args ...any) ([]folio.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []folio.Payment
	for rows.Next() {
		var (
			p                   folio.Payment
			amount, received    string
			ref, key, processor sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.FolioID, &amount, &p.Method, &p.Status, &ref, &key,
			&processor, &received); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseMoney(amount)
		p.Reference = ref.String
		p.IdempotencyKey = key.String
		p.ProcessedBy = processor.String
		p.ReceivedAt = parseTime(received)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteLineItems removes a folio's charges and payments. Only cancellation
// uses it; everything else is append-only.
func (c *conn) DeleteLineItems(ctx context.Context, folioID folio.FolioID) (int, int, error) {
	res, err := c.q.ExecContext(ctx, `DELETE FROM folio_charges WHERE folio_id = ?`, folioID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete charges: %w", err)
	}
	charges := rowsAffected(res)
	res, err = c.q.ExecContext(ctx, `DELETE FROM folio_payments WHERE folio_id = ?`, folioID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete payments: %w", err)
	}
	return charges, rowsAffected(res), nil
}
