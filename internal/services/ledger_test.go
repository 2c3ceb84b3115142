package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-mines-backend/internal/models"
)

// testLedgerContract runs the behaviour every Ledger backend must share.
func testLedgerContract(t *testing.T, newLedger func(t *testing.T) Ledger) {
	t.Run("unknown owner", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		_, err := l.GetBalance(ctx, 7, models.CurrencyStars)
		assert.ErrorIs(t, err, ErrUnknownOwner)
		_, err = l.AdjustBalance(ctx, 7, models.CurrencyStars, stars("10"), models.LedgerRef{ID: "a"})
		assert.ErrorIs(t, err, ErrUnknownOwner)

		exists, err := l.UserExists(ctx, 7)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("create user is idempotent", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fundOwner(t, l, 1, "100")
		require.NoError(t, l.CreateUser(ctx, 1, "renamed"))
		assertBalance(t, l, 1, "100")

		b, err := l.GetBalance(ctx, 1, models.CurrencyTON)
		require.NoError(t, err)
		assert.True(t, b.IsZero())
	})

	t.Run("adjust", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fundOwner(t, l, 1, "100")

		b, err := l.AdjustBalance(ctx, 1, models.CurrencyStars, stars("-30.25"), models.LedgerRef{ID: "bet-1", Type: models.TransactionTypeBet})
		require.NoError(t, err)
		assertAmount(t, "69.75", b)

		_, err = l.AdjustBalance(ctx, 1, models.CurrencyStars, stars("-70"), models.LedgerRef{ID: "bet-2", Type: models.TransactionTypeBet})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assertBalance(t, l, 1, "69.75")

		_, err = l.AdjustBalance(ctx, 1, models.CurrencyStars, stars("-1"), models.LedgerRef{ID: "bet-1", Type: models.TransactionTypeBet})
		assert.ErrorIs(t, err, ErrDuplicateReference)
		assertBalance(t, l, 1, "69.75")

		b, err = l.AdjustBalance(ctx, 1, models.CurrencyTON, stars("1.5"), models.LedgerRef{ID: "ton-1", Type: models.TransactionTypeBonus})
		require.NoError(t, err)
		assertAmount(t, "1.5", b)

		balances, err := GetBalances(ctx, l, 1)
		require.NoError(t, err)
		assertAmount(t, "69.75", balances.Get(models.CurrencyStars))
		assertAmount(t, "1.5", balances.Get(models.CurrencyTON))
	})

	t.Run("out of range delta", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fundOwner(t, l, 1, "1000")

		for _, delta := range []string{"-92233720368547758.09", "92233720368547758.09", "-90071992547409.92"} {
			_, err := l.AdjustBalance(ctx, 1, models.CurrencyStars, stars(delta), models.LedgerRef{ID: "huge" + delta, Type: models.TransactionTypeBet})
			assert.ErrorIs(t, err, ErrAmountOutOfRange, delta)
		}
		assertBalance(t, l, 1, "1000")
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		fundOwner(t, l, 1, "100")

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.AdjustBalance(ctx, 1, models.CurrencyStars, stars("-30"), models.LedgerRef{
					ID:   fmt.Sprintf("bet-%d", i),
					Type: models.TransactionTypeBet,
				})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, ok)
		assertBalance(t, l, 1, "10")
	})

	t.Run("journal", func(t *testing.T) {
		l := newLedger(t)
		journal, isJournal := l.(Journal)
		require.True(t, isJournal)
		ctx := context.Background()
		fundOwner(t, l, 1, "100")

		_, err := l.AdjustBalance(ctx, 1, models.CurrencyStars, stars("-20"), models.LedgerRef{
			ID:       "crash:w1:bet",
			Type:     models.TransactionTypeBet,
			GameType: models.GameTypeCrash,
			GameID:   "round-9",
		})
		require.NoError(t, err)

		txs, err := journal.GetUserTransactions(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, "crash:w1:bet", txs[0].ID)
		assert.Equal(t, models.TransactionTypeBet, txs[0].Type)
		assert.Equal(t, "round-9", txs[0].GameID)
		assertAmount(t, "-20", txs[0].Amount)
		assertAmount(t, "80", txs[0].BalanceAfter)
		assert.Equal(t, models.TransactionTypeBonus, txs[1].Type)
	})
}
