package stay_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/store/memory"
	"github.com/warp/folio-engine/tax"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant = "hotel-1"

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, money(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func taxes() tax.StaticSource {
	return tax.StaticSource{
		tenant: {
			TenantID:                tenant,
			VATRate:                 money("7.5"),
			ServiceChargeRate:       money("10"),
			VATApplicable:           tax.AllChargeTypes,
			ServiceChargeApplicable: []tax.ChargeType{tax.ChargeRoom, tax.ChargeFood},
		},
		"hotel-2": {TenantID: "hotel-2"},
	}
}

// auditRecorder is an in-memory AuditSink.
type auditRecorder struct {
	mu     sync.Mutex
	events []stay.AuditEvent
}

func (a *auditRecorder) Publish(_ context.Context, events []stay.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	store *memory.Memory
	locks *lock.Keyed
	audit *auditRecorder
	c     *stay.Coordinator
	today time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		locks: lock.NewKeyed(0),
		audit: &auditRecorder{},
		today: time.Now().UTC(),
	}
	f.c = stay.NewCoordinator(f.store, f.locks, taxes(), folio.StaticMethods{}, stay.Options{
		Timeout: 2 * time.Second,
		Audit:   f.audit,
		Logger:  slog.New(slog.DiscardHandler),
	})
	f.room(t, "room-101", "101", tenant, stay.RoomReserved)
	f.room(t, "room-102", "102", tenant, stay.RoomAvailable)
	f.reservation(t, "res-1", "room-101", stay.StatusConfirmed)
	return f
}

func (f *fixture) room(t *testing.T, id, number, tenantID string, status stay.RoomStatus) {
	t.Helper()
	require.NoError(t, f.store.SaveRoom(context.Background(), stay.Room{
		ID: id, TenantID: tenantID, Number: number, Status: status, Version: 1,
	}))
}

func (f *fixture) reservation(t *testing.T, id, roomID string, status stay.ReservationStatus) {
	t.Helper()
	require.NoError(t, f.store.SaveReservation(context.Background(), stay.Reservation{
		ID:       id,
		TenantID: tenant,
		RoomID:   roomID,
		CheckIn:  f.today,
		CheckOut: f.today.AddDate(0, 0, 2),
		Status:   status,
		Version:  1,
	}))
}

func (f *fixture) mustReservation(t *testing.T, id string) *stay.Reservation {
	t.Helper()
	r, err := f.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) mustRoom(t *testing.T, id string) *stay.Room {
	t.Helper()
	r, err := f.store.GetRoom(context.Background(), id)
	require.NoError(t, err)
	return r
}

func flatCharge(amount string) folio.ChargeInput {
	return folio.ChargeInput{Type: tax.ChargeOther, Description: "Deposit adjustment", BaseAmount: money(amount)}
}

func roomNight(amount string) folio.ChargeInput {
	return folio.ChargeInput{
		Type:              tax.ChargeRoom,
		Description:       "Night 1",
		BaseAmount:        money(amount),
		Taxable:           true,
		ServiceChargeable: true,
	}
}

func (f *fixture) checkIn(t *testing.T, id string, charges ...folio.ChargeInput) *stay.Result {
	t.Helper()
	res, err := f.c.CheckIn(context.Background(), stay.CheckInRequest{
		ReservationID:  id,
		Actor:          "frontdesk",
		InitialCharges: charges,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	return res
}

// =============================================================================
// CHECK-IN
// =============================================================================

func TestCheckIn_OccupiesRoomAndOpensFolio(t *testing.T) {
	f := newFixture(t)

	res := f.checkIn(t, "res-1", roomNight("100"))

	assert.Equal(t, stay.StatusCheckedIn, res.Status)
	assert.Equal(t, stay.RoomOccupied, res.RoomStatus)
	assert.Len(t, res.ChargeIDs, 1)
	assert.Equal(t, stay.StatusCheckedIn, f.mustReservation(t, "res-1").Status)
	assert.NotNil(t, f.mustReservation(t, "res-1").CheckedInAt)
	assert.Equal(t, stay.RoomOccupied, f.mustRoom(t, "room-101").Status)

	fo, err := f.store.GetFolio(context.Background(), res.FolioID)
	require.NoError(t, err)
	assertMoney(t, "118.25", fo.Balance)
	assert.Equal(t, res.FolioVersion, fo.Version)
	assert.Equal(t, []string{stay.ActionCheckIn}, f.audit.actions())
}

func TestCheckIn_FailingChargeRollsBackEverything(t *testing.T) {
	// GIVEN: a confirmed reservation and a reserved room
	// WHEN: checking in with a second initial charge that is invalid
	// THEN: reservation, room, folio and audit trail are all unchanged

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CheckIn(ctx, stay.CheckInRequest{
		ReservationID:  "res-1",
		InitialCharges: []folio.ChargeInput{roomNight("100"), flatCharge("0")},
	})

	require.Error(t, err)
	assert.True(t, stay.IsClientError(err))
	assert.Equal(t, stay.StatusConfirmed, f.mustReservation(t, "res-1").Status)
	assert.Equal(t, stay.RoomReserved, f.mustRoom(t, "room-101").Status)
	_, err = f.store.FolioForReservation(ctx, "res-1")
	assert.ErrorIs(t, err, folio.ErrFolioNotFound)
	trail, err := f.store.AuditTrail(ctx, "res-1")
	require.NoError(t, err)
	assert.Empty(t, trail)
	assert.Empty(t, f.audit.actions())
	assert.False(t, f.locks.Held(lock.ReservationKey("res-1")), "locks released on failure")
}

func TestCheckIn_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		req   stay.CheckInRequest
		code  stay.Code
	}{
		{
			name: "already checked in",
			setup: func(t *testing.T, f *fixture) {
				f.checkIn(t, "res-1")
			},
			req:  stay.CheckInRequest{ReservationID: "res-1"},
			code: stay.CodeAlreadyCheckedIn,
		},
		{
			name: "cancelled",
			setup: func(t *testing.T, f *fixture) {
				f.reservation(t, "res-1", "room-101", stay.StatusCancelled)
			},
			req:  stay.CheckInRequest{ReservationID: "res-1"},
			code: stay.CodeInvalidState,
		},
		{
			name: "room occupied by another stay",
			setup: func(t *testing.T, f *fixture) {
				f.reservation(t, "res-2", "room-102", stay.StatusConfirmed)
				f.checkIn(t, "res-2")
			},
			req:  stay.CheckInRequest{ReservationID: "res-1", RoomID: "room-102"},
			code: stay.CodeRoomConflict,
		},
		{
			name: "room out of order",
			setup: func(t *testing.T, f *fixture) {
				f.room(t, "room-101", "101", tenant, stay.RoomOutOfOrder)
			},
			req:  stay.CheckInRequest{ReservationID: "res-1"},
			code: stay.CodeRoomUnavailable,
		},
		{
			name: "room of another property",
			setup: func(t *testing.T, f *fixture) {
				f.room(t, "room-201", "201", "hotel-2", stay.RoomAvailable)
			},
			req:  stay.CheckInRequest{ReservationID: "res-1", RoomID: "room-201"},
			code: stay.CodeTenantMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			before := f.mustReservation(t, "res-1")

			res, err := f.c.CheckIn(context.Background(), tt.req)

			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Code)
			assert.NotEmpty(t, res.Message)
			assert.Equal(t, before.Version, f.mustReservation(t, "res-1").Version, "rejection writes nothing")
		})
	}
}

func TestCheckIn_RoomChangeRederivesPreviousRoom(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.CheckIn(context.Background(), stay.CheckInRequest{ReservationID: "res-1", RoomID: "room-102"})

	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "room-101", res.PreviousRoomID)
	assert.Equal(t, stay.RoomOccupied, f.mustRoom(t, "room-102").Status)
	assert.Equal(t, stay.RoomAvailable, f.mustRoom(t, "room-101").Status)
	assert.Equal(t, "room-102", f.mustReservation(t, "res-1").RoomID)
}

func TestCheckIn_TaxExemptGuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.c.CheckIn(ctx, stay.CheckInRequest{
		ReservationID:  "res-1",
		Guest:          &stay.Guest{Name: "Ada Diplomat", TaxExempt: true},
		InitialCharges: []folio.ChargeInput{roomNight("100")},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	fo, err := f.store.GetFolio(ctx, res.FolioID)
	require.NoError(t, err)
	assertMoney(t, "100", fo.Balance)

	// Later charges pick up the exemption from the stored guest.
	_, after, err := f.c.PostCharge(ctx, res.FolioID, roomNight("50"))
	require.NoError(t, err)
	assertMoney(t, "150", after.Balance)
}

func TestCheckIn_UnknownReservation(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.CheckIn(context.Background(), stay.CheckInRequest{ReservationID: "missing"})

	assert.ErrorIs(t, err, stay.ErrReservationNotFound)
	assert.True(t, stay.IsNotFound(err))
}

// =============================================================================
// CHECK-OUT
// =============================================================================

func TestCheckOut_OutstandingBalanceRejected(t *testing.T) {
	// GIVEN: a checked-in stay owing 50.00
	// WHEN: checking out
	// THEN: rejected with the balance in the message, nothing changes

	f := newFixture(t)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("50"))
	f.checkOutBlocked(t, in)

	_, _, err := f.c.PostPayment(ctx, in.FolioID, folio.PaymentInput{Amount: money("50"), Method: "cash"})
	require.NoError(t, err)

	res, err := f.c.CheckOut(ctx, "res-1", "frontdesk")

	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, stay.StatusCheckedOut, res.Status)
	assert.Equal(t, stay.RoomAvailable, res.RoomStatus)
	assert.Equal(t, stay.RoomAvailable, f.mustRoom(t, "room-101").Status)
	fo, err := f.store.GetFolio(ctx, in.FolioID)
	require.NoError(t, err)
	assert.True(t, fo.IsClosed())
	assert.Equal(t, []string{stay.ActionCheckIn, stay.ActionCheckOut}, f.audit.actions())
}

func (f *fixture) checkOutBlocked(t *testing.T, in *stay.Result) {
	t.Helper()
	res, err := f.c.CheckOut(context.Background(), "res-1", "frontdesk")

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, stay.CodeBalanceOutstanding, res.Code)
	assert.Equal(t, "Outstanding balance of 50.00 must be settled before checkout", res.Message)
	require.NotNil(t, res.Balance)
	assertMoney(t, "50", *res.Balance)
	assert.Equal(t, stay.StatusCheckedIn, f.mustReservation(t, "res-1").Status)
	assert.Equal(t, stay.RoomOccupied, f.mustRoom(t, "room-101").Status)
	fo, err := f.store.GetFolio(context.Background(), in.FolioID)
	require.NoError(t, err)
	assert.False(t, fo.IsClosed())
}

func TestCheckOut_OverpaidAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("40"))
	_, _, err := f.c.PostPayment(ctx, in.FolioID, folio.PaymentInput{Amount: money("60"), Method: "card"})
	require.NoError(t, err)

	res, err := f.c.CheckOut(ctx, "res-1", "frontdesk")

	require.NoError(t, err)
	require.True(t, res.Success)
	assertMoney(t, "-20", *res.Balance)
}

func TestCheckOut_ConcurrentRequestsExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	f.checkIn(t, "res-1")

	const n = 8
	results := make([]*stay.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.c.CheckOut(context.Background(), "res-1", "frontdesk")
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Success {
			successes++
		} else {
			assert.Equal(t, stay.CodeAlreadyCheckedOut, results[i].Code)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, count(f.audit.actions(), stay.ActionCheckOut))
}

func TestCheckOut_NotCheckedIn(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.CheckOut(context.Background(), "res-1", "frontdesk")

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, stay.CodeInvalidState, res.Code)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_RemovesLineItemsAndFreesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ledger := folio.NewLedger(f.store, taxes(), folio.StaticMethods{})
	fo, _, err := ledger.Open(ctx, tenant, "res-1")
	require.NoError(t, err)
	_, _, err = ledger.PostCharge(ctx, fo.ID, flatCharge("20"))
	require.NoError(t, err)

	res, err := f.c.Cancel(ctx, "res-1", "guest request", "frontdesk")

	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, stay.StatusCancelled, res.Status)
	assert.Equal(t, stay.RoomAvailable, res.RoomStatus)

	r := f.mustReservation(t, "res-1")
	assert.Equal(t, "guest request", r.CancelReason)
	assert.NotNil(t, r.CancelledAt)

	charges, err := f.store.Charges(ctx, fo.ID)
	require.NoError(t, err)
	assert.Empty(t, charges)
	closed, err := f.store.GetFolio(ctx, fo.ID)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())
	assertMoney(t, "0", closed.Balance)

	trail, err := f.store.AuditTrail(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	ev := trail[0]
	assert.Equal(t, stay.ActionCancel, ev.Action)
	assert.Equal(t, "frontdesk", ev.Actor)
	assert.Equal(t, tenant, ev.TenantID)
	assert.Equal(t, "reservation", ev.ResourceType)
	assert.Equal(t, "res-1", ev.ResourceID)
	assert.Equal(t, "guest request", ev.Metadata["reason"])
	assert.Equal(t, stay.StatusConfirmed, ev.Metadata["from_status"])
	assert.Equal(t, stay.StatusCancelled, ev.Metadata["to_status"])
	assert.Equal(t, 1, ev.Metadata["removed_charges"])
	assert.Equal(t, 0, ev.Metadata["removed_payments"])

	// The outward sink receives the same record.
	assert.Equal(t, []string{stay.ActionCancel}, f.audit.actions())
}

func TestCancel_KeepsRoomReservedForOtherHold(t *testing.T) {
	f := newFixture(t)
	f.reservation(t, "res-2", "room-101", stay.StatusSoftHold)

	res, err := f.c.Cancel(context.Background(), "res-1", "", "frontdesk")

	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, stay.RoomReserved, f.mustRoom(t, "room-101").Status)
}

func TestCancel_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkIn(t, "res-1")

	res, err := f.c.Cancel(ctx, "res-1", "", "frontdesk")
	require.NoError(t, err)
	assert.Equal(t, stay.CodeCheckedInStay, res.Code)

	f.reservation(t, "res-2", "room-102", stay.StatusCancelled)
	res, err = f.c.Cancel(ctx, "res-2", "", "frontdesk")
	require.NoError(t, err)
	assert.Equal(t, stay.CodeAlreadyCancelled, res.Code)
}

func TestCancel_NoShowAllowed(t *testing.T) {
	f := newFixture(t)
	f.reservation(t, "res-1", "room-101", stay.StatusNoShow)

	res, err := f.c.Cancel(context.Background(), "res-1", "no show", "night-audit")

	require.NoError(t, err)
	assert.True(t, res.Success)
}

// =============================================================================
// TIMEOUT
// =============================================================================

// stuckLocker never grants a lock; it waits for the caller's deadline.
type stuckLocker struct{}

func (stuckLocker) Acquire(ctx context.Context, _ string) (lock.Lease, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransition_TimeoutIsReported(t *testing.T) {
	f := newFixture(t)
	c := stay.NewCoordinator(f.store, stuckLocker{}, taxes(), folio.StaticMethods{}, stay.Options{
		Timeout: 20 * time.Millisecond,
		Logger:  slog.New(slog.DiscardHandler),
	})

	_, err := c.CheckIn(context.Background(), stay.CheckInRequest{ReservationID: "res-1"})

	require.Error(t, err)
	assert.True(t, stay.IsTimeout(err))
	var te *stay.TransitionTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, stay.TransitionCheckIn, te.Transition)
	assert.Equal(t, "res-1", te.ReservationID)
	assert.Equal(t, stay.StatusConfirmed, f.mustReservation(t, "res-1").Status)
}

// =============================================================================
// FOLIO MUTATIONS AND RECONCILIATION
// =============================================================================

func TestReverseCharge_RecordsAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("30"))

	rev, after, err := f.c.ReverseCharge(ctx, in.FolioID, in.ChargeIDs[0], "manager", "posted twice")

	require.NoError(t, err)
	assert.Equal(t, in.ChargeIDs[0], rev.ReversalOf)
	assertMoney(t, "0", after.Balance)
	trail, err := f.store.AuditTrail(ctx, string(in.ChargeIDs[0]))
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, stay.ActionChargeReversed, trail[0].Action)
	assert.Equal(t, "posted twice", trail[0].Metadata["reason"])
}

func TestReconcileFolio_FixesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("80"))

	fo, err := f.store.GetFolio(ctx, in.FolioID)
	require.NoError(t, err)
	fo.Balance = money("0")
	require.NoError(t, f.store.SaveFolio(ctx, *fo))

	report, err := f.c.ReconcileFolio(ctx, in.FolioID, false, "auditor")
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.False(t, report.Fixed)

	reports, err := f.c.ReconcileAll(ctx, tenant, true, "auditor")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Fixed)

	fixed, err := f.store.GetFolio(ctx, in.FolioID)
	require.NoError(t, err)
	assertMoney(t, "80", fixed.Balance)
	assert.Contains(t, f.audit.actions(), stay.ActionFolioCorrected)
}

func TestRoomReconciler_CorrectsOrphanedOccupancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.room(t, "room-102", "102", tenant, stay.RoomOccupied)
	rr := stay.NewRoomReconciler(f.store, f.locks, slog.New(slog.DiscardHandler))

	found, err := rr.Check(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "room-102", found[0].RoomID)
	assert.True(t, found[0].Orphaned)
	assert.Equal(t, stay.RoomOccupied, f.mustRoom(t, "room-102").Status, "Check never writes")

	fixed, err := rr.Fix(ctx, tenant, "night-audit")
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.True(t, fixed[0].Fixed)
	assert.Equal(t, stay.RoomAvailable, f.mustRoom(t, "room-102").Status)

	again, err := rr.Check(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, again)
}

// =============================================================================
// ROOM STATUS DERIVATION
// =============================================================================

func TestDeriveRoomStatus(t *testing.T) {
	today := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	room := stay.Room{ID: "r1", Status: stay.RoomOccupied}
	stayOn := func(status stay.ReservationStatus, in, out time.Time) stay.Reservation {
		return stay.Reservation{RoomID: "r1", Status: status, CheckIn: in, CheckOut: out}
	}
	tomorrow := today.AddDate(0, 0, 1)
	yesterday := today.AddDate(0, 0, -1)

	tests := []struct {
		name string
		res  []stay.Reservation
		want stay.RoomStatus
	}{
		{"nothing claims it", nil, stay.RoomAvailable},
		{"checked in", []stay.Reservation{stayOn(stay.StatusCheckedIn, yesterday, tomorrow)}, stay.RoomOccupied},
		{"confirmed today", []stay.Reservation{stayOn(stay.StatusConfirmed, today, tomorrow)}, stay.RoomReserved},
		{"confirmed future", []stay.Reservation{stayOn(stay.StatusConfirmed, tomorrow, tomorrow.AddDate(0, 0, 1))}, stay.RoomAvailable},
		{"departing today", []stay.Reservation{stayOn(stay.StatusConfirmed, yesterday, today)}, stay.RoomAvailable},
		{"same-day stay", []stay.Reservation{stayOn(stay.StatusSoftHold, today, today)}, stay.RoomReserved},
		{"cancelled ignored", []stay.Reservation{stayOn(stay.StatusCancelled, today, tomorrow)}, stay.RoomAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stay.DeriveRoomStatus(room, tt.res, today))
		})
	}

	ooo := stay.Room{ID: "r1", Status: stay.RoomOutOfOrder}
	assert.Equal(t, stay.RoomOutOfOrder, stay.DeriveRoomStatus(ooo, []stay.Reservation{stayOn(stay.StatusCheckedIn, today, tomorrow)}, today))
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
