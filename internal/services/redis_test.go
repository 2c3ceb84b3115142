package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-mines-backend/internal/models"
)

func TestRedisLedger(t *testing.T) {
	testLedgerContract(t, func(t *testing.T) Ledger {
		rs, _ := newTestRedis(t)
		return rs
	})
}

func TestRedisRateLimit(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rs.CheckRateLimit(ctx, 1, "place_bet", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rs.CheckRateLimit(ctx, 1, "place_bet", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rs.CheckRateLimit(ctx, 2, "place_bet", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = rs.CheckRateLimit(ctx, 1, "place_bet", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisSequence(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	a, err := rs.NextSequence(ctx, "mines")
	require.NoError(t, err)
	b, err := rs.NextSequence(ctx, "mines")
	require.NoError(t, err)
	c, err := rs.NextSequence(ctx, "crash_round")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, int64(1), c)
}

func TestRedisRecords(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := rs.GetRoundRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = rs.GetMinesRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, rs.SaveRoundRecord(ctx, &models.RoundRecord{
		RoundID:          "round-1",
		Nonce:            4,
		PublicSeed:       "round-1",
		CommitmentDigest: "abc",
		ServerSeed:       "seed",
		CrashPoint:       3.21,
	}))
	rec, err := rs.GetRoundRecord(ctx, "round-1")
	require.NoError(t, err)
	assert.True(t, rec.Resolved())
	assert.Equal(t, 3.21, rec.CrashPoint)
	assert.Equal(t, int64(4), rec.Nonce)

	require.NoError(t, rs.SaveMinesRecord(ctx, &models.MinesRecord{
		SessionID:     "game-1",
		OwnerID:       1,
		Stake:         stars("50"),
		MinesCount:    3,
		Status:        models.MinesWon,
		MinePositions: []int{2, 9, 17},
	}))
	mrec, err := rs.GetMinesRecord(ctx, "game-1")
	require.NoError(t, err)
	assert.Equal(t, models.MinesWon, mrec.Status)
	assert.Equal(t, []int{2, 9, 17}, mrec.MinePositions)
	assertAmount(t, "50", mrec.Stake)
}

func TestRedisCrashHistory(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	empty, err := rs.RecentHistory(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, cp := range []float64{1.00, 2.50, 13.37, 1.42} {
		require.NoError(t, rs.AppendHistory(ctx, cp, 3))
	}

	history, err := rs.RecentHistory(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.50, 13.37, 1.42}, history)

	last, err := rs.RecentHistory(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{13.37, 1.42}, last)
}

func TestRedisPendingCredits(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	item := &PendingCredit{
		OwnerID:  1,
		Currency: models.CurrencyTON,
		Amount:   stars("0.35"),
		Ref:      winRef("mines:game-1:win"),
		Attempts: 1,
	}
	require.NoError(t, rs.SavePending(ctx, item))
	require.NoError(t, rs.SavePending(ctx, item))

	items, err := rs.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "mines:game-1:win", items[0].Ref.ID)
	assertAmount(t, "0.35", items[0].Amount)

	require.NoError(t, rs.DeletePending(ctx, item.Ref.ID))
	items, err = rs.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
