package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeBet    TransactionType = "bet"
	TransactionTypeWin    TransactionType = "win"
	TransactionTypeRefund TransactionType = "refund"
	TransactionTypeBonus  TransactionType = "bonus"
)

// LedgerRef attributes a balance mutation to the game event that caused it.
// ID is unique per mutation; the ledger refuses to apply the same ID twice.
type LedgerRef struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	GameType    GameType        `json:"game_type,omitempty"`
	GameID      string          `json:"game_id,omitempty"`
	Description string          `json:"description,omitempty"`
}

type Transaction struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"user_id"`
	Type         TransactionType `json:"type"`
	Currency     Currency        `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	GameType     GameType        `json:"game_type,omitempty"`
	GameID       string          `json:"game_id,omitempty"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}
