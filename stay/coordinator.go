/*
coordinator.go - All-or-nothing stay transitions

EXECUTION MODEL (every transition):
  1. Pre-read the reservation outside any lock to learn which rooms matter
  2. Acquire locks in global order: reservation, then rooms sorted by id
  3. Open a store transaction and re-read everything under the lock
  4. Check preconditions; a failed precondition is a REJECTION (Result with
     Success=false), which aborts the transaction without side effects
  5. Apply effects, append audit rows, commit
  6. Release locks on every exit path, then publish audit events

TIMEOUT:
  Steps 2-5 share one deadline (default 30s). When it passes the caller
  gets a *TransitionTimeoutError and must re-read state before retrying.

ROOM STATUS:
  Rooms are never set to "available" blindly. After a reservation leaves a
  room the status is re-derived from the reservations still claiming it.
*/
package stay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/metrics"
	"github.com/warp/folio-engine/tax"
)

// DefaultTimeout bounds a single transition including lock wait.
const DefaultTimeout = 30 * time.Second

type Transition string

const (
	TransitionCheckIn        Transition = "check_in"
	TransitionCheckOut       Transition = "check_out"
	TransitionCancel         Transition = "cancel"
	TransitionPostCharge     Transition = "post_charge"
	TransitionPostPayment    Transition = "post_payment"
	TransitionReverseCharge  Transition = "reverse_charge"
	TransitionReconcileFolio Transition = "reconcile_folio"
)

// Result is the outcome of a transition. Success=false is a normal
// business outcome; Code says why.
type Result struct {
	Success    bool       `json:"success"`
	Code       Code       `json:"code,omitempty"`
	Message    string     `json:"message"`
	Transition Transition `json:"transition"`

	ReservationID  string            `json:"reservation_id,omitempty"`
	RoomID         string            `json:"room_id,omitempty"`
	PreviousRoomID string            `json:"previous_room_id,omitempty"`
	RoomStatus     RoomStatus        `json:"room_status,omitempty"`
	FolioID        folio.FolioID     `json:"folio_id,omitempty"`
	FolioVersion   int64             `json:"folio_version,omitempty"`
	ChargeIDs      []folio.ChargeID  `json:"charge_ids,omitempty"`
	Balance        *decimal.Decimal  `json:"balance,omitempty"`
	Status         ReservationStatus `json:"status,omitempty"`
}

type CheckInRequest struct {
	ReservationID string
	// RoomID overrides the reservation's room. Empty keeps the booked room.
	RoomID         string
	Actor          string
	Guest          *Guest
	InitialCharges []folio.ChargeInput
}

type Options struct {
	Timeout time.Duration
	Audit   AuditSink
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

type Coordinator struct {
	store   TxStore
	locks   lock.Locker
	taxes   tax.ConfigSource
	methods folio.MethodSource
	audit   AuditSink
	metrics *metrics.Recorder
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

func NewCoordinator(store TxStore, locks lock.Locker, taxes tax.ConfigSource, methods folio.MethodSource, opts Options) *Coordinator {
	c := &Coordinator{
		store:   store,
		locks:   locks,
		taxes:   taxes,
		methods: methods,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		log:     opts.Logger,
		timeout: opts.Timeout,
		now:     opts.Now,
		newID:   uuid.NewString,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "coordinator")
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Store returns the underlying store for read-only queries.
func (c *Coordinator) Store() TxStore { return c.store }

// =============================================================================
// CHECK-IN
// =============================================================================

// CheckIn moves a reservation to checked_in, marks its room occupied,
// opens (or reuses) the folio and posts any initial charges.
func (c *Coordinator) CheckIn(ctx context.Context, req CheckInRequest) (*Result, error) {
	pre, err := c.preRead(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = pre.RoomID
	}
	if roomID == "" {
		return nil, fmt.Errorf("%w: reservation %s has no room assigned", folio.ErrInvalidID, pre.ID)
	}
	keys := []string{lock.ReservationKey(pre.ID), lock.RoomKey(roomID), lock.RoomKey(pre.RoomID)}

	res, err := c.run(ctx, TransitionCheckIn, pre.ID, keys, func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
		r, err := c.reload(ctx, tx, pre)
		if err != nil {
			return Result{}, nil, err
		}
		base := Result{Transition: TransitionCheckIn, ReservationID: r.ID, RoomID: roomID, Status: r.Status}

		switch {
		case r.Status == StatusCheckedIn:
			return reject(base, CodeAlreadyCheckedIn, "Reservation %s is already checked in", r.ID)
		case r.Status.Terminal():
			return reject(base, CodeInvalidState, "Reservation %s is %s and cannot be checked in", r.ID, r.Status)
		}

		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return Result{}, nil, err
		}
		if room.TenantID != r.TenantID {
			return reject(base, CodeTenantMismatch, "Room %s does not belong to the reservation's property", room.Number)
		}
		if room.Status == RoomOutOfOrder {
			return reject(base, CodeRoomUnavailable, "Room %s is out of order", room.Number)
		}
		claims, err := tx.ReservationsForRoom(ctx, room.ID)
		if err != nil {
			return Result{}, nil, err
		}
		for _, other := range claims {
			if other.ID != r.ID && other.Status == StatusCheckedIn {
				return reject(base, CodeRoomConflict, "Room %s is occupied by reservation %s", room.Number, other.ID)
			}
		}

		exempt, err := c.upsertGuest(ctx, tx, r, req.Guest)
		if err != nil {
			return Result{}, nil, err
		}

		now := c.now()
		prevStatus, prevRoom := r.Status, r.RoomID
		r.Status = StatusCheckedIn
		r.RoomID = room.ID
		r.CheckedInAt = &now
		r.Version++
		if err := tx.SaveReservation(ctx, *r); err != nil {
			return Result{}, nil, err
		}

		room.Status = RoomOccupied
		room.Version++
		room.UpdatedAt = now
		if err := tx.SaveRoom(ctx, *room); err != nil {
			return Result{}, nil, err
		}
		if prevRoom != "" && prevRoom != room.ID {
			if _, err := c.rederiveRoom(ctx, tx, prevRoom); err != nil {
				return Result{}, nil, err
			}
		}

		ledger := c.ledger(tx)
		f, _, err := ledger.Open(ctx, r.TenantID, r.ID)
		if err != nil {
			return Result{}, nil, err
		}
		var chargeIDs []folio.ChargeID
		for _, in := range req.InitialCharges {
			in.GuestTaxExempt = in.GuestTaxExempt || exempt
			if in.PostedBy == "" {
				in.PostedBy = req.Actor
			}
			charge, updated, err := ledger.PostCharge(ctx, f.ID, in)
			if err != nil {
				return Result{}, nil, err
			}
			f = updated
			chargeIDs = append(chargeIDs, charge.ID)
		}

		base.Success = true
		base.Message = fmt.Sprintf("Checked in to room %s", room.Number)
		base.Status = r.Status
		base.RoomStatus = room.Status
		base.FolioID = f.ID
		base.FolioVersion = f.Version
		base.ChargeIDs = chargeIDs
		if prevRoom != room.ID {
			base.PreviousRoomID = prevRoom
		}
		ev := c.event(r.TenantID, req.Actor, ActionCheckIn, "reservation", r.ID, map[string]any{
			"from_status":      prevStatus,
			"to_status":        r.Status,
			"room_id":          room.ID,
			"previous_room_id": prevRoom,
			"folio_id":         f.ID,
			"initial_charges":  len(chargeIDs),
		})
		return base, []AuditEvent{ev}, nil
	})
	if err == nil && res.Success {
		for _, in := range req.InitialCharges {
			c.metrics.ChargePosted(string(in.Type))
		}
	}
	return res, err
}

// =============================================================================
// CHECK-OUT
// =============================================================================

// CheckOut closes the folio, moves the reservation to checked_out and
// re-derives the room status. A balance above one cent is a rejection.
func (c *Coordinator) CheckOut(ctx context.Context, reservationID, actor string) (*Result, error) {
	pre, err := c.preRead(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	keys := []string{lock.ReservationKey(pre.ID), lock.RoomKey(pre.RoomID)}

	return c.run(ctx, TransitionCheckOut, pre.ID, keys, func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
		r, err := c.reload(ctx, tx, pre)
		if err != nil {
			return Result{}, nil, err
		}
		base := Result{Transition: TransitionCheckOut, ReservationID: r.ID, RoomID: r.RoomID, Status: r.Status}

		switch r.Status {
		case StatusCheckedIn:
		case StatusCheckedOut:
			return reject(base, CodeAlreadyCheckedOut, "Reservation %s is already checked out", r.ID)
		default:
			return reject(base, CodeInvalidState, "Reservation %s is %s; only checked-in stays can be checked out", r.ID, r.Status)
		}

		ledger := c.ledger(tx)
		f, _, err := ledger.Open(ctx, r.TenantID, r.ID)
		if err != nil {
			return Result{}, nil, err
		}
		f, err = ledger.Recompute(ctx, f.ID)
		if err != nil {
			return Result{}, nil, err
		}
		balance := f.Balance
		base.FolioID = f.ID
		base.Balance = &balance
		if !folio.CanCheckOut(f.Balance) {
			return reject(base, CodeBalanceOutstanding,
				"Outstanding balance of %s must be settled before checkout", f.Balance.StringFixed(2))
		}
		f, err = ledger.Close(ctx, f.ID)
		if err != nil {
			return Result{}, nil, err
		}

		now := c.now()
		prevStatus := r.Status
		r.Status = StatusCheckedOut
		r.CheckedOutAt = &now
		r.Version++
		if err := tx.SaveReservation(ctx, *r); err != nil {
			return Result{}, nil, err
		}
		roomStatus, err := c.rederiveRoom(ctx, tx, r.RoomID)
		if err != nil {
			return Result{}, nil, err
		}

		base.Success = true
		base.Message = "Checked out"
		base.Status = r.Status
		base.RoomStatus = roomStatus
		base.FolioVersion = f.Version
		ev := c.event(r.TenantID, actor, ActionCheckOut, "reservation", r.ID, map[string]any{
			"from_status":    prevStatus,
			"to_status":      r.Status,
			"room_id":        r.RoomID,
			"room_status":    roomStatus,
			"folio_id":       f.ID,
			"total_charges":  f.TotalCharges.StringFixed(2),
			"total_payments": f.TotalPayments.StringFixed(2),
			"balance":        f.Balance.StringFixed(2),
			"credit":         f.Credit().StringFixed(2),
		})
		return base, []AuditEvent{ev}, nil
	})
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel removes the line items of an open folio (no stay took place),
// closes it, cancels the reservation and re-derives the room status.
func (c *Coordinator) Cancel(ctx context.Context, reservationID, reason, actor string) (*Result, error) {
	pre, err := c.preRead(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	keys := []string{lock.ReservationKey(pre.ID), lock.RoomKey(pre.RoomID)}

	return c.run(ctx, TransitionCancel, pre.ID, keys, func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
		r, err := c.reload(ctx, tx, pre)
		if err != nil {
			return Result{}, nil, err
		}
		base := Result{Transition: TransitionCancel, ReservationID: r.ID, RoomID: r.RoomID, Status: r.Status}

		switch {
		case r.Status == StatusCancelled:
			return reject(base, CodeAlreadyCancelled, "Reservation %s is already cancelled", r.ID)
		case r.Status == StatusCheckedIn:
			return reject(base, CodeCheckedInStay, "Reservation %s is checked in; check the guest out instead of cancelling", r.ID)
		case r.Status.Terminal():
			return reject(base, CodeInvalidState, "Reservation %s is %s and cannot be cancelled", r.ID, r.Status)
		}

		var removedCharges, removedPayments int
		f, err := tx.FolioForReservation(ctx, r.ID)
		switch {
		case err == nil && !f.IsClosed():
			removedCharges, removedPayments, err = tx.DeleteLineItems(ctx, f.ID)
			if err != nil {
				return Result{}, nil, err
			}
			f, err = c.ledger(tx).Close(ctx, f.ID)
			if err != nil {
				return Result{}, nil, err
			}
		case err == nil:
		case folio.IsNotFound(err):
			f = nil
		default:
			return Result{}, nil, err
		}

		now := c.now()
		prevStatus := r.Status
		r.Status = StatusCancelled
		r.CancelledAt = &now
		r.CancelReason = reason
		r.Version++
		if err := tx.SaveReservation(ctx, *r); err != nil {
			return Result{}, nil, err
		}
		roomStatus, err := c.rederiveRoom(ctx, tx, r.RoomID)
		if err != nil {
			return Result{}, nil, err
		}

		base.Success = true
		base.Message = "Reservation cancelled"
		base.Status = r.Status
		base.RoomStatus = roomStatus
		meta := map[string]any{
			"from_status":      prevStatus,
			"to_status":        r.Status,
			"reason":           reason,
			"room_id":          r.RoomID,
			"room_status":      roomStatus,
			"removed_charges":  removedCharges,
			"removed_payments": removedPayments,
		}
		if f != nil {
			base.FolioID = f.ID
			base.FolioVersion = f.Version
			meta["folio_id"] = f.ID
		}
		ev := c.event(r.TenantID, actor, ActionCancel, "reservation", r.ID, meta)
		return base, []AuditEvent{ev}, nil
	})
}

// =============================================================================
// FOLIO MUTATIONS (under the reservation lock)
// =============================================================================

// PostCharge posts a charge to a folio while holding its reservation's
// lock. The guest's tax exemption is applied automatically.
func (c *Coordinator) PostCharge(ctx context.Context, folioID folio.FolioID, in folio.ChargeInput) (*folio.Charge, *folio.Folio, error) {
	f, err := c.folioFor(ctx, folioID)
	if err != nil {
		return nil, nil, err
	}
	var charge *folio.Charge
	var updated *folio.Folio
	_, err = c.run(ctx, TransitionPostCharge, f.ReservationID, []string{lock.ReservationKey(f.ReservationID)},
		func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
			if !in.GuestTaxExempt {
				exempt, err := c.guestExempt(ctx, tx, f.ReservationID)
				if err != nil {
					return Result{}, nil, err
				}
				in.GuestTaxExempt = exempt
			}
			ch, nf, err := c.ledger(tx).PostCharge(ctx, folioID, in)
			if err != nil {
				return Result{}, nil, err
			}
			charge, updated = ch, nf
			return Result{Success: true, Transition: TransitionPostCharge, FolioID: nf.ID, FolioVersion: nf.Version}, nil, nil
		})
	if err != nil {
		return nil, nil, err
	}
	c.metrics.ChargePosted(string(charge.Type))
	return charge, updated, nil
}

// PostPayment posts a payment while holding the reservation lock.
func (c *Coordinator) PostPayment(ctx context.Context, folioID folio.FolioID, in folio.PaymentInput) (*folio.Payment, *folio.Folio, error) {
	f, err := c.folioFor(ctx, folioID)
	if err != nil {
		return nil, nil, err
	}
	var payment *folio.Payment
	var updated *folio.Folio
	_, err = c.run(ctx, TransitionPostPayment, f.ReservationID, []string{lock.ReservationKey(f.ReservationID)},
		func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
			p, nf, err := c.ledger(tx).PostPayment(ctx, folioID, in)
			if err != nil {
				return Result{}, nil, err
			}
			payment, updated = p, nf
			return Result{Success: true, Transition: TransitionPostPayment, FolioID: nf.ID, FolioVersion: nf.Version}, nil, nil
		})
	if err != nil {
		return nil, nil, err
	}
	c.metrics.PaymentPosted(string(payment.Method))
	return payment, updated, nil
}

// ReverseCharge appends a reversal entry and records an audit event.
func (c *Coordinator) ReverseCharge(ctx context.Context, folioID folio.FolioID, chargeID folio.ChargeID, actor, reason string) (*folio.Charge, *folio.Folio, error) {
	f, err := c.folioFor(ctx, folioID)
	if err != nil {
		return nil, nil, err
	}
	var reversal *folio.Charge
	var updated *folio.Folio
	_, err = c.run(ctx, TransitionReverseCharge, f.ReservationID, []string{lock.ReservationKey(f.ReservationID)},
		func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
			rev, nf, err := c.ledger(tx).ReverseCharge(ctx, folioID, chargeID, actor, reason)
			if err != nil {
				return Result{}, nil, err
			}
			reversal, updated = rev, nf
			ev := c.event(nf.TenantID, actor, ActionChargeReversed, "folio_charge", string(chargeID), map[string]any{
				"folio_id":      nf.ID,
				"reversal_id":   rev.ID,
				"amount":        rev.Total.Neg().StringFixed(2),
				"reason":        reason,
				"folio_version": nf.Version,
				"balance":       nf.Balance.StringFixed(2),
			})
			return Result{Success: true, Transition: TransitionReverseCharge, FolioID: nf.ID, FolioVersion: nf.Version}, []AuditEvent{ev}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	return reversal, updated, nil
}

// ReconcileFolio validates a folio under its reservation lock and, when
// fix is set, persists the corrected aggregate.
func (c *Coordinator) ReconcileFolio(ctx context.Context, folioID folio.FolioID, fix bool, actor string) (*folio.Report, error) {
	f, err := c.folioFor(ctx, folioID)
	if err != nil {
		return nil, err
	}
	var report *folio.Report
	_, err = c.run(ctx, TransitionReconcileFolio, f.ReservationID, []string{lock.ReservationKey(f.ReservationID)},
		func(ctx context.Context, tx Store) (Result, []AuditEvent, error) {
			v := folio.NewValidator(tx, c.log)
			v.Now = c.now
			var err error
			if fix {
				report, err = v.AutoFix(ctx, folioID)
			} else {
				report, err = v.Validate(ctx, folioID)
			}
			if err != nil {
				return Result{}, nil, err
			}
			var events []AuditEvent
			if report.Fixed {
				fields := make([]string, 0, len(report.Discrepancies))
				for _, d := range report.Discrepancies {
					fields = append(fields, d.Field)
				}
				events = append(events, c.event(report.TenantID, actor, ActionFolioCorrected, "folio", string(report.FolioID), map[string]any{
					"fields":  fields,
					"balance": report.Derived.Balance.StringFixed(2),
				}))
			}
			return Result{Success: true, Transition: TransitionReconcileFolio, FolioID: folioID}, events, nil
		})
	if err != nil {
		return nil, err
	}
	for _, d := range report.Discrepancies {
		c.metrics.Discrepancy(d.Field, string(d.Severity))
	}
	return report, nil
}

// ReconcileAll runs ReconcileFolio over every open folio of a tenant
// ("" for all) and returns the reports that found drift.
func (c *Coordinator) ReconcileAll(ctx context.Context, tenantID string, fix bool, actor string) ([]folio.Report, error) {
	open, err := c.store.ListOpenFolios(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []folio.Report
	for _, f := range open {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := c.ReconcileFolio(ctx, f.ID, fix, actor)
		if err != nil {
			return out, fmt.Errorf("folio %s: %w", f.ID, err)
		}
		if !r.OK() {
			out = append(out, *r)
		}
	}
	return out, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

type work func(ctx context.Context, tx Store) (Result, []AuditEvent, error)

func (c *Coordinator) run(ctx context.Context, kind Transition, reservationID string, keys []string, fn work) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.execute(ctx, keys, fn)

	outcome := "success"
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = &TransitionTimeoutError{Transition: kind, ReservationID: reservationID, Timeout: c.timeout}
		outcome = "timeout"
		c.log.Error("transition timed out", "transition", kind, "reservation_id", reservationID, "timeout", c.timeout)
	case err != nil && (IsClientError(err) || IsNotFound(err)):
		outcome = "invalid"
		c.log.Info("transition refused", "transition", kind, "reservation_id", reservationID, "error", err)
	case err != nil:
		outcome = "error"
		c.log.Error("transition failed", "transition", kind, "reservation_id", reservationID, "error", err)
	case !res.Success:
		outcome = "rejected"
		c.log.Info("transition rejected", "transition", kind, "reservation_id", reservationID, "code", res.Code, "message", res.Message)
	default:
		c.log.Debug("transition committed", "transition", kind, "reservation_id", reservationID, "took", time.Since(start))
	}
	c.metrics.Transition(string(kind), outcome, time.Since(start))
	return res, err
}

func (c *Coordinator) execute(ctx context.Context, keys []string, fn work) (*Result, error) {
	leases, err := lock.AcquireAll(ctx, c.locks, keys...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.ReleaseAll(context.WithoutCancel(ctx), leases); err != nil {
			c.log.Warn("lock release failed", "keys", keys, "error", err)
		}
	}()

	var result Result
	var events []AuditEvent
	err = c.store.WithTx(ctx, func(tx Store) error {
		r, evs, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		if !r.Success {
			return &rejection{result: r}
		}
		for _, ev := range evs {
			if err := tx.AppendAudit(ctx, ev); err != nil {
				return fmt.Errorf("failed to append audit record: %w", err)
			}
		}
		result, events = r, evs
		return nil
	})

	var rej *rejection
	if errors.As(err, &rej) {
		return &rej.result, nil
	}
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events)
	return &result, nil
}

func (c *Coordinator) publish(ctx context.Context, events []AuditEvent) {
	if c.audit == nil || len(events) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.audit.Publish(pctx, events); err != nil {
		c.log.Warn("audit publish failed", "events", len(events), "error", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func reject(base Result, code Code, format string, args ...any) (Result, []AuditEvent, error) {
	base.Success = false
	base.Code = code
	base.Message = fmt.Sprintf(format, args...)
	return base, nil, nil
}

func (c *Coordinator) preRead(ctx context.Context, reservationID string) (*Reservation, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("%w: empty reservation id", folio.ErrInvalidID)
	}
	return c.store.GetReservation(ctx, reservationID)
}

// reload re-reads a reservation under lock. A room reassignment between
// the pre-read and the lock means the wrong room key is held.
func (c *Coordinator) reload(ctx context.Context, tx Store, pre *Reservation) (*Reservation, error) {
	r, err := tx.GetReservation(ctx, pre.ID)
	if err != nil {
		return nil, err
	}
	if r.RoomID != pre.RoomID {
		return nil, fmt.Errorf("%w: reservation %s was moved to another room", folio.ErrConcurrentModification, r.ID)
	}
	return r, nil
}

func (c *Coordinator) folioFor(ctx context.Context, folioID folio.FolioID) (*folio.Folio, error) {
	if folioID == "" {
		return nil, fmt.Errorf("%w: empty folio id", folio.ErrInvalidID)
	}
	return c.store.GetFolio(ctx, folioID)
}

func (c *Coordinator) ledger(tx Store) *folio.Ledger {
	l := folio.NewLedger(tx, c.taxes, c.methods)
	l.Now = c.now
	return l
}

// rederiveRoom recomputes a room's status and saves it when it changed.
func (c *Coordinator) rederiveRoom(ctx context.Context, tx Store, roomID string) (RoomStatus, error) {
	if roomID == "" {
		return "", nil
	}
	room, err := tx.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	claims, err := tx.ReservationsForRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	now := c.now()
	status := DeriveRoomStatus(*room, claims, now)
	if status == room.Status {
		return status, nil
	}
	room.Status = status
	room.Version++
	room.UpdatedAt = now
	if err := tx.SaveRoom(ctx, *room); err != nil {
		return "", err
	}
	return status, nil
}

func (c *Coordinator) upsertGuest(ctx context.Context, tx Store, r *Reservation, g *Guest) (bool, error) {
	if g == nil {
		return c.guestExempt(ctx, tx, r.ID)
	}
	guest := *g
	if guest.ID == "" {
		guest.ID = r.GuestID
	}
	if guest.ID == "" {
		guest.ID = c.newID()
	}
	guest.TenantID = r.TenantID
	if err := tx.UpsertGuest(ctx, guest); err != nil {
		return false, err
	}
	r.GuestID = guest.ID
	return guest.TaxExempt, nil
}

func (c *Coordinator) guestExempt(ctx context.Context, tx Store, reservationID string) (bool, error) {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil || r.GuestID == "" {
		return false, err
	}
	g, err := tx.GetGuest(ctx, r.GuestID)
	if errors.Is(err, ErrGuestNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.TaxExempt, nil
}

func (c *Coordinator) event(tenantID, actor, action, resourceType, resourceID string, meta map[string]any) AuditEvent {
	return AuditEvent{
		ID:           c.newID(),
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		At:           c.now(),
	}
}
