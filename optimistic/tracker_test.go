package optimistic_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/optimistic"
)

func TestTracker_SettleByReference(t *testing.T) {
	// GIVEN: Two queued operations mirrored onto the same key
	cache := optimistic.NewMapCache()
	tr := optimistic.NewTracker(optimistic.NewManager(cache, nil))
	require.NoError(t, tr.Track("q-1", []optimistic.Update{{Key: "session:t1", Apply: appendStr("a")}}))
	require.NoError(t, tr.Track("q-2", []optimistic.Update{{Key: "session:t1", Apply: appendStr("b")}}))
	require.NoError(t, tr.Track("q-2", []optimistic.Update{{Key: "session:t1", Apply: appendStr("b")}}))
	assert.Equal(t, "ab", get(t, cache, "session:t1"))
	assert.Equal(t, 2, tr.Pending())

	// WHEN: The first fails and the second syncs
	require.NoError(t, tr.Settle("q-1", errors.New("rejected")))
	require.NoError(t, tr.Settle("q-2", nil))

	// THEN: Only the second survives and nothing is outstanding
	assert.Equal(t, "b", get(t, cache, "session:t1"))
	assert.Equal(t, 0, tr.Pending())
	assert.NoError(t, tr.Settle("unknown", errors.New("ignored")))
}

func TestTracker_FailedApplyIsNotTracked(t *testing.T) {
	tr := optimistic.NewTracker(optimistic.NewManager(optimistic.NewMapCache(), nil))

	err := tr.Track("q-1", []optimistic.Update{{Key: ""}})

	assert.ErrorIs(t, err, optimistic.ErrEmptyUpdate)
	assert.Equal(t, 0, tr.Pending())
}
