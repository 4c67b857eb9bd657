package sqlite_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/store/sqlite"
	"github.com/warp/folio-engine/tax"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "folio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedFolio(t *testing.T, s *sqlite.Store, id folio.FolioID) folio.Folio {
	t.Helper()
	f := folio.Folio{
		ID:            id,
		TenantID:      "hotel-1",
		ReservationID: "res-1",
		TotalCharges:  decimal.Zero,
		TotalPayments: decimal.Zero,
		Balance:       decimal.Zero,
		Status:        folio.StatusUnpaid,
		Version:       1,
		OpenedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveFolio(context.Background(), f))
	return f
}

// =============================================================================
// FOLIO LEDGER
// =============================================================================

func TestStore_FolioRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedFolio(t, s, "folio-1")

	charge := folio.Charge{
		ID:            "ch-1",
		FolioID:       "folio-1",
		Type:          tax.ChargeRoom,
		Description:   "Night 1",
		BaseAmount:    money("100"),
		Net:           money("100"),
		VAT:           money("8.25"),
		ServiceCharge: money("10"),
		Total:         money("118.25"),
		Breakdown: []tax.Line{
			{Component: tax.ComponentServiceCharge, Rate: money("10"), Amount: money("10")},
			{Component: tax.ComponentVAT, Rate: money("7.5"), Amount: money("8.25")},
		},
		IdempotencyKey: "key-1",
		PostedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.AppendCharge(ctx, charge))
	require.NoError(t, s.AppendPayment(ctx, folio.Payment{
		ID: "pay-1", FolioID: "folio-1", Amount: money("50"), Method: folio.MethodCash,
		Status: folio.PaymentCompleted, ReceivedAt: time.Now().UTC(),
	}))

	charges, err := s.Charges(ctx, "folio-1")
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.True(t, money("118.25").Equal(charges[0].Total))
	assert.Len(t, charges[0].Breakdown, 2)
	assert.Equal(t, "key-1", charges[0].IdempotencyKey)

	found, err := s.FindChargeByKey(ctx, "folio-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, folio.ChargeID("ch-1"), found.ID)

	missing, err := s.FindPaymentByKey(ctx, "folio-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	payments, err := s.Payments(ctx, "folio-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, folio.MethodCash, payments[0].Method)

	byRes, err := s.FolioForReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, folio.FolioID("folio-1"), byRes.ID)
}

func TestStore_GetFolioNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.GetFolio(context.Background(), "ghost")

	assert.ErrorIs(t, err, folio.ErrFolioNotFound)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedFolio(t, s, "folio-1")
	base := folio.Charge{
		FolioID: "folio-1", Type: tax.ChargeOther, BaseAmount: money("5"), Net: money("5"),
		VAT: decimal.Zero, ServiceCharge: decimal.Zero, Total: money("5"),
		IdempotencyKey: "same", PostedAt: time.Now().UTC(),
	}

	first, second := base, base
	first.ID, second.ID = "ch-1", "ch-2"
	require.NoError(t, s.AppendCharge(ctx, first))
	err := s.AppendCharge(ctx, second)

	assert.ErrorIs(t, err, sqlite.ErrDuplicateIdempotencyKey)
}

func TestStore_IdempotencyKeyScopedToFolio(t *testing.T) {
	// GIVEN: the same key used on two folios
	// WHEN: looking it up per folio
	// THEN: each folio sees only its own charge

	s := newStore(t)
	ctx := context.Background()
	seedFolio(t, s, "folio-1")
	seedFolio(t, s, "folio-2")
	base := folio.Charge{
		Type: tax.ChargeOther, VAT: decimal.Zero, ServiceCharge: decimal.Zero,
		IdempotencyKey: "shared", PostedAt: time.Now().UTC(),
	}
	a, b := base, base
	a.ID, a.FolioID, a.BaseAmount, a.Net, a.Total = "ch-a", "folio-1", money("100"), money("100"), money("100")
	b.ID, b.FolioID, b.BaseAmount, b.Net, b.Total = "ch-b", "folio-2", money("250"), money("250"), money("250")
	require.NoError(t, s.AppendCharge(ctx, a))
	require.NoError(t, s.AppendCharge(ctx, b))

	found, err := s.FindChargeByKey(ctx, "folio-2", "shared")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, folio.ChargeID("ch-b"), found.ID)

	none, err := s.FindPaymentByKey(ctx, "folio-2", "shared")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_OneReversalPerCharge(t *testing.T) {
	// GIVEN: a charge that has already been reversed
	// WHEN: a second reversal row is appended
	// THEN: the partial unique index rejects it as already reversed

	s := newStore(t)
	ctx := context.Background()
	seedFolio(t, s, "folio-1")
	now := time.Now().UTC()
	require.NoError(t, s.AppendCharge(ctx, folio.Charge{
		ID: "ch-1", FolioID: "folio-1", Type: tax.ChargeOther, BaseAmount: money("30"),
		Net: money("30"), VAT: decimal.Zero, ServiceCharge: decimal.Zero, Total: money("30"), PostedAt: now,
	}))
	reversal := folio.Charge{
		FolioID: "folio-1", Type: tax.ChargeOther, BaseAmount: money("-30"),
		Net: money("-30"), VAT: decimal.Zero, ServiceCharge: decimal.Zero, Total: money("-30"),
		ReversalOf: "ch-1", Reason: "duplicate", PostedAt: now,
	}

	reversal.ID = "rev-1"
	require.NoError(t, s.AppendCharge(ctx, reversal))
	reversal.ID = "rev-2"
	err := s.AppendCharge(ctx, reversal)

	assert.ErrorIs(t, err, folio.ErrAlreadyReversed)
}

func TestStore_DeleteLineItems(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedFolio(t, s, "folio-1")
	require.NoError(t, s.AppendCharge(ctx, folio.Charge{
		ID: "ch-1", FolioID: "folio-1", Type: tax.ChargeOther, BaseAmount: money("1"),
		Net: money("1"), VAT: decimal.Zero, ServiceCharge: decimal.Zero, Total: money("1"), PostedAt: time.Now().UTC(),
	}))

	charges, payments, err := s.DeleteLineItems(ctx, "folio-1")

	require.NoError(t, err)
	assert.Equal(t, 1, charges)
	assert.Equal(t, 0, payments)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx stay.Store) error {
		require.NoError(t, tx.SaveRoom(ctx, stay.Room{
			ID: "room-1", TenantID: "hotel-1", Number: "1", Status: stay.RoomAvailable, Version: 1,
		}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetRoom(ctx, "room-1")
	assert.ErrorIs(t, err, stay.ErrRoomNotFound)
}

func TestStore_WithTxCommits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx stay.Store) error {
		if err := tx.UpsertGuest(ctx, stay.Guest{ID: "g-1", TenantID: "hotel-1", Name: "Ada", TaxExempt: true}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, stay.AuditEvent{
			ID: "ev-1", TenantID: "hotel-1", Action: stay.ActionCheckIn, ResourceType: "reservation",
			ResourceID: "res-1", Metadata: map[string]any{"room_id": "room-1"}, At: time.Now().UTC(),
		})
	})

	require.NoError(t, err)
	g, err := s.GetGuest(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.TaxExempt)
	trail, err := s.AuditTrail(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "room-1", trail[0].Metadata["room_id"])
}

// =============================================================================
// COORDINATOR ON SQLITE
// =============================================================================

func TestStore_CheckInThroughCoordinator(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	today := time.Now().UTC()
	require.NoError(t, s.SaveRoom(ctx, stay.Room{
		ID: "room-101", TenantID: "hotel-1", Number: "101", Status: stay.RoomReserved, Version: 1,
	}))
	require.NoError(t, s.SaveReservation(ctx, stay.Reservation{
		ID: "res-1", TenantID: "hotel-1", RoomID: "room-101", Status: stay.StatusConfirmed,
		CheckIn: today, CheckOut: today.AddDate(0, 0, 2), Total: decimal.Zero, Version: 1,
	}))
	taxes := tax.StaticSource{"hotel-1": {
		TenantID:                "hotel-1",
		VATRate:                 money("7.5"),
		ServiceChargeRate:       money("10"),
		VATApplicable:           tax.AllChargeTypes,
		ServiceChargeApplicable: []tax.ChargeType{tax.ChargeRoom},
	}}
	c := stay.NewCoordinator(s, lock.NewKeyed(0), taxes, folio.StaticMethods{}, stay.Options{
		Logger: slog.New(slog.DiscardHandler),
	})

	res, err := c.CheckIn(ctx, stay.CheckInRequest{
		ReservationID: "res-1",
		InitialCharges: []folio.ChargeInput{{
			Type: tax.ChargeRoom, Description: "Night 1", BaseAmount: money("100"),
			Taxable: true, ServiceChargeable: true,
		}},
	})

	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fo, err := s.GetFolio(ctx, res.FolioID)
	require.NoError(t, err)
	assert.Equal(t, "118.25", fo.Balance.StringFixed(2))
	room, err := s.GetRoom(ctx, "room-101")
	require.NoError(t, err)
	assert.Equal(t, stay.RoomOccupied, room.Status)
	trail, err := s.AuditTrail(ctx, "res-1")
	require.NoError(t, err)
	assert.NotEmpty(t, trail)
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

func TestStore_OperationsKeepEnqueueOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var ops []*offline.Operation
	for _, id := range []string{"op-a", "op-b", "op-c"} {
		op := &offline.Operation{
			ID: id, SessionID: "tablet-1", Type: "check_in", Payload: []byte(`{}`),
			Status: offline.StatusPending, CreatedAt: now,
		}
		require.NoError(t, s.InsertOperation(ctx, op))
		ops = append(ops, op)
	}
	assert.Less(t, ops[0].Seq, ops[1].Seq)
	assert.Less(t, ops[1].Seq, ops[2].Seq)

	ops[0].Status = offline.StatusSynced
	ops[0].SyncedAt = &now
	require.NoError(t, s.UpdateOperation(ctx, *ops[0]))

	unsynced, err := s.UnsyncedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, "op-b", unsynced[0].ID)
	assert.Equal(t, "op-c", unsynced[1].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[offline.StatusSynced])
	assert.Equal(t, 2, counts[offline.StatusPending])

	purged, err := s.PurgeSynced(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = s.GetOperation(ctx, "op-a")
	assert.ErrorIs(t, err, offline.ErrOperationNotFound)
}

func TestStore_UpdateUnknownOperation(t *testing.T) {
	s := newStore(t)

	err := s.UpdateOperation(context.Background(), offline.Operation{ID: "ghost"})

	assert.ErrorIs(t, err, offline.ErrOperationNotFound)
}

func TestStore_Sessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, s.SaveSession(ctx, offline.SessionMeta{
		SessionID: "tablet-1", TenantID: "hotel-1", ReservationID: "res-1", Data: []byte(`{"step":2}`), CapturedAt: old,
	}))
	got, err := s.GetSession(ctx, "tablet-1")
	require.NoError(t, err)
	assert.Equal(t, "res-1", got.ReservationID)
	assert.JSONEq(t, `{"step":2}`, string(got.Data))

	n, err := s.EvictSessionsBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetSession(ctx, "tablet-1")
	assert.ErrorIs(t, err, offline.ErrSessionNotFound)
}
