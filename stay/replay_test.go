package stay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/tax"
)

func operation(t *testing.T, id, opType string, payload any) offline.Operation {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return offline.Operation{ID: id, SessionID: "tablet-1", Type: opType, Payload: raw}
}

func newReplayer(f *fixture) *stay.Replayer {
	return stay.NewReplayer(f.c, slog.New(slog.DiscardHandler))
}

func TestReplay_CheckInTwiceIsDelivered(t *testing.T) {
	// GIVEN: a check-in captured offline and replayed twice
	// WHEN: the second replay finds the stay already checked in
	// THEN: both replays count as delivered and the charge posts once

	f := newFixture(t)
	r := newReplayer(f)
	ctx := context.Background()
	notTaxed := false
	op := operation(t, "op-1", stay.OpCheckIn, stay.CheckInPayload{
		ReservationID: "res-1",
		Actor:         "tablet",
		InitialCharges: []stay.ChargePayload{{
			Type: tax.ChargeOther, Description: "Key deposit", Amount: money("10"),
			Taxable: &notTaxed, ServiceChargeable: &notTaxed,
		}},
	})

	require.NoError(t, r.Deliver(ctx, op))
	require.NoError(t, r.Deliver(ctx, op))

	fo, err := f.store.FolioForReservation(ctx, "res-1")
	require.NoError(t, err)
	charges, err := f.store.Charges(ctx, fo.ID)
	require.NoError(t, err)
	assert.Len(t, charges, 1)
	assert.Equal(t, "op-1:0", charges[0].IdempotencyKey)
}

func TestReplay_PostChargeUsesOperationIDAsKey(t *testing.T) {
	f := newFixture(t)
	r := newReplayer(f)
	ctx := context.Background()
	in := f.checkIn(t, "res-1")
	op := operation(t, "op-7", stay.OpPostCharge, stay.FolioChargePayload{
		FolioID:       in.FolioID,
		ChargePayload: stay.ChargePayload{Type: tax.ChargeRoom, Description: "Night 2", Amount: money("100")},
	})

	require.NoError(t, r.Deliver(ctx, op))
	require.NoError(t, r.Deliver(ctx, op))

	fo, err := f.store.GetFolio(ctx, in.FolioID)
	require.NoError(t, err)
	assertMoney(t, "118.25", fo.Balance, "taxable and service-chargeable by default, posted once")
}

func TestReplay_PaymentThenCheckOut(t *testing.T) {
	f := newFixture(t)
	r := newReplayer(f)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("50"))

	require.NoError(t, r.Deliver(ctx, operation(t, "op-1", stay.OpPostPayment, stay.FolioPaymentPayload{
		FolioID:        in.FolioID,
		PaymentPayload: stay.PaymentPayload{Amount: money("50"), Method: "cash"},
	})))
	require.NoError(t, r.Deliver(ctx, operation(t, "op-2", stay.OpCheckOut, stay.CheckOutPayload{ReservationID: "res-1"})))

	assert.Equal(t, stay.StatusCheckedOut, f.mustReservation(t, "res-1").Status)
}

func TestReplay_BusinessRejectionIsPermanent(t *testing.T) {
	f := newFixture(t)
	r := newReplayer(f)
	f.checkIn(t, "res-1", flatCharge("50"))

	err := r.Deliver(context.Background(), operation(t, "op-1", stay.OpCheckOut, stay.CheckOutPayload{ReservationID: "res-1"}))

	require.Error(t, err)
	assert.True(t, offline.IsPermanent(err))
	assert.Contains(t, err.Error(), string(stay.CodeBalanceOutstanding))
}

func TestReplay_InvalidPayloads(t *testing.T) {
	f := newFixture(t)
	r := newReplayer(f)
	ctx := context.Background()

	tests := []struct {
		name string
		op   offline.Operation
	}{
		{"unknown type", offline.Operation{ID: "x", Type: "teleport", Payload: json.RawMessage(`{}`)}},
		{"malformed json", offline.Operation{ID: "x", Type: stay.OpCancel, Payload: json.RawMessage(`{"reservation_id":`)}},
		{"unknown reservation", operation(t, "x", stay.OpCancel, stay.CancelPayload{ReservationID: "ghost"})},
		{"unknown folio", operation(t, "x", stay.OpPostPayment, stay.FolioPaymentPayload{
			FolioID:        "ghost",
			PaymentPayload: stay.PaymentPayload{Amount: money("1"), Method: "cash"},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Deliver(ctx, tt.op)

			require.Error(t, err)
			assert.True(t, offline.IsPermanent(err))
		})
	}
}

func TestReplay_ReversalAlreadyAppliedIsDelivered(t *testing.T) {
	f := newFixture(t)
	r := newReplayer(f)
	ctx := context.Background()
	in := f.checkIn(t, "res-1", flatCharge("30"))
	op := operation(t, "op-1", stay.OpReverseCharge, stay.ReversePayload{
		FolioID: in.FolioID, ChargeID: in.ChargeIDs[0], Reason: "duplicate",
	})

	require.NoError(t, r.Deliver(ctx, op))
	require.NoError(t, r.Deliver(ctx, op))

	fo, err := f.store.GetFolio(ctx, in.FolioID)
	require.NoError(t, err)
	assertMoney(t, "0", fo.Balance)
}

func TestReplay_ThroughQueue(t *testing.T) {
	// GIVEN: a queue backed by the same store, delivering via the Replayer
	// WHEN: a check-in and then a cancel are queued offline and drained
	// THEN: the check-in lands; the cancel is rejected and parked as failed

	f := newFixture(t)
	ctx := context.Background()
	q := offline.NewQueue(f.store, newReplayer(f), offline.DefaultConfig(),
		offline.WithConnectivity(offline.NewLink(false)),
		offline.WithLogger(slog.New(slog.DiscardHandler)),
	)

	_, err := q.Enqueue(ctx, "tablet-1", stay.OpCheckIn, stay.CheckInPayload{ReservationID: "res-1"}, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "tablet-1", stay.OpCancel, stay.CancelPayload{ReservationID: "res-1"}, 0)
	require.NoError(t, err)

	report, err := q.Drain(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed, "cancelling a checked-in stay is rejected")
	assert.Equal(t, stay.StatusCheckedIn, f.mustReservation(t, "res-1").Status)
	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, stay.OpCancel, failed[0].Type)
}
