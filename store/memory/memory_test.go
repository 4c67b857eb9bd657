package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/offline"
	"github.com/warp/folio-engine/stay"
	"github.com/warp/folio-engine/tax"
)

func TestWithTx_DiscardsWorkOnError(t *testing.T) {
	m := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx stay.Store) error {
		require.NoError(t, tx.SaveRoom(ctx, stay.Room{ID: "room-1", TenantID: "hotel-1", Status: stay.RoomAvailable}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = m.GetRoom(ctx, "room-1")
	assert.ErrorIs(t, err, stay.ErrRoomNotFound)
}

func TestWithTx_CancelledContextDoesNotCommit(t *testing.T) {
	// GIVEN: a transaction whose context is cancelled while fn runs
	// WHEN: fn returns nil
	// THEN: nothing is committed

	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	err := m.WithTx(ctx, func(tx stay.Store) error {
		require.NoError(t, tx.SaveRoom(ctx, stay.Room{ID: "room-1", TenantID: "hotel-1", Status: stay.RoomAvailable}))
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	_, err = m.GetRoom(context.Background(), "room-1")
	assert.ErrorIs(t, err, stay.ErrRoomNotFound)
}

func TestWithTx_CommitsLineItems(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SaveFolio(ctx, folio.Folio{ID: "folio-1", TenantID: "hotel-1", ReservationID: "res-1"}))

	err := m.WithTx(ctx, func(tx stay.Store) error {
		require.NoError(t, tx.AppendCharge(ctx, folio.Charge{
			ID: "ch-1", FolioID: "folio-1", Type: tax.ChargeOther, Total: decimal.NewFromInt(5), IdempotencyKey: "k",
		}))
		return nil
	})

	require.NoError(t, err)
	charges, err := m.Charges(ctx, "folio-1")
	require.NoError(t, err)
	assert.Len(t, charges, 1)
	byKey, err := m.FindChargeByKey(ctx, "folio-1", "k")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	other, err := m.FindChargeByKey(ctx, "folio-2", "k")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestOperations_SeqSurvivesUpdate(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := &offline.Operation{ID: "a", SessionID: "s", Payload: []byte(`{"n":1}`), Status: offline.StatusPending}
	b := &offline.Operation{ID: "b", SessionID: "s", Status: offline.StatusPending}
	require.NoError(t, m.InsertOperation(ctx, a))
	require.NoError(t, m.InsertOperation(ctx, b))

	upd := *a
	upd.Seq = 99
	upd.Status = offline.StatusFailed
	require.NoError(t, m.UpdateOperation(ctx, upd))

	ops, err := m.OperationsBySession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, int64(1), ops[0].Seq)
	assert.Equal(t, offline.StatusFailed, ops[0].Status)

	ops[0].Payload[0] = 'X'
	again, err := m.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(again.Payload), "callers get copies")
}

func TestOperations_DuplicateID(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.InsertOperation(ctx, &offline.Operation{ID: "a"}))

	assert.Error(t, m.InsertOperation(ctx, &offline.Operation{ID: "a"}))
}

func TestSessions_EvictBefore(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.SaveSession(ctx, offline.SessionMeta{SessionID: "old", CapturedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, m.SaveSession(ctx, offline.SessionMeta{SessionID: "new", CapturedAt: now}))

	n, err := m.EvictSessionsBefore(ctx, now.Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.GetSession(ctx, "old")
	assert.ErrorIs(t, err, offline.ErrSessionNotFound)
	_, err = m.GetSession(ctx, "new")
	assert.NoError(t, err)
}
