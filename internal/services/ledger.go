package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"crash-mines-backend/internal/models"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrUnknownOwner       = errors.New("user not found")
	ErrDuplicateReference = errors.New("duplicate ledger reference")
	ErrAmountOutOfRange   = errors.New("amount out of range")
)

// maxLedgerCents is the largest cent amount a Lua number holds exactly.
const maxLedgerCents = 1<<53 - 1

// Ledger owns balance truth. AdjustBalance is atomic per call and serial per
// (owner, currency); a negative delta larger than the balance fails with
// ErrInsufficientFunds and applies nothing. A ref.ID that was already applied
// fails with ErrDuplicateReference.
type Ledger interface {
	GetBalance(ctx context.Context, ownerID int64, currency models.Currency) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, ownerID int64, currency models.Currency, delta decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error)
	UserExists(ctx context.Context, ownerID int64) (bool, error)
	CreateUser(ctx context.Context, ownerID int64, displayName string) error
}

// Journal is implemented by ledgers that keep a readable audit trail.
type Journal interface {
	GetUserTransactions(ctx context.Context, ownerID int64, limit int64) ([]*models.Transaction, error)
}

// GetBalances reads every supported currency for one owner.
func GetBalances(ctx context.Context, l Ledger, ownerID int64) (models.Balances, error) {
	out := make(models.Balances, len(models.Currencies))
	for _, c := range models.Currencies {
		b, err := l.GetBalance(ctx, ownerID, c)
		if err != nil {
			return nil, err
		}
		out[c] = b
	}
	return out, nil
}

// toCents converts an amount to integer minor units, dropping sub-cent dust.
func toCents(d decimal.Decimal) (int64, error) {
	c := d.Shift(2).Truncate(0).BigInt()
	if !c.IsInt64() || c.Int64() > maxLedgerCents || c.Int64() < -maxLedgerCents {
		return 0, ErrAmountOutOfRange
	}
	return c.Int64(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
