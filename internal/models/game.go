package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundPhase string

const (
	PhaseAwaitingBets RoundPhase = "waiting"
	PhaseCountdown    RoundPhase = "countdown"
	PhaseLive         RoundPhase = "running"
	PhaseResolved     RoundPhase = "crashed"
)

// Wager is one player's stake in the current crash round.
type Wager struct {
	ID          string          `json:"id"`
	OwnerID     int64           `json:"owner_id"`
	DisplayName string          `json:"nickname"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	AutoCashout float64         `json:"auto_cashout,omitempty"`
	PlacedAt    time.Time       `json:"placed_at"`
}

// RoundState is the read-only snapshot served to clients at any time.
type RoundState struct {
	RoundID          string     `json:"round_id"`
	Phase            RoundPhase `json:"phase"`
	Multiplier       float64    `json:"multiplier"`
	Countdown        int        `json:"countdown"`
	History          []float64  `json:"history"`
	BetsCount        int        `json:"bets_count"`
	CommitmentDigest string     `json:"server_seed_hash"`
}

// RoundRecord is the audit record of a round. ServerSeed and CrashPoint stay
// empty until the round resolves.
type RoundRecord struct {
	RoundID          string    `json:"round_id"`
	Nonce            int64     `json:"nonce"`
	PublicSeed       string    `json:"public_seed"`
	CommitmentDigest string    `json:"server_seed_hash"`
	ServerSeed       string    `json:"server_seed,omitempty"`
	CrashPoint       float64   `json:"crash_point,omitempty"`
	Wagers           int       `json:"wagers"`
	CreatedAt        time.Time `json:"created_at"`
	ResolvedAt       time.Time `json:"resolved_at,omitempty"`
}

func (r *RoundRecord) Resolved() bool {
	return r.ServerSeed != ""
}

type BetResult struct {
	RoundID     string          `json:"round_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	AutoCashout float64         `json:"auto_cashout,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
}

type CashoutResult struct {
	RoundID    string          `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier float64         `json:"multiplier"`
	Currency   Currency        `json:"currency"`
	IsAuto     bool            `json:"is_auto_cashout"`
	Balance    decimal.Decimal `json:"balance"`
}

type CancelResult struct {
	RoundID  string          `json:"round_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// CashoutEvent is the crowd-visible announcement; it never carries balances.
type CashoutEvent struct {
	RoundID     string          `json:"round_id"`
	OwnerID     int64           `json:"owner_id"`
	DisplayName string          `json:"nickname"`
	Amount      decimal.Decimal `json:"amount"`
	Multiplier  float64         `json:"multiplier"`
	Currency    Currency        `json:"currency"`
	IsAuto      bool            `json:"is_auto_cashout"`
}

type LostWager struct {
	OwnerID  int64           `json:"owner_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}
