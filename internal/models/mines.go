package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MinesStatus string

const (
	MinesActive MinesStatus = "active"
	MinesWon    MinesStatus = "won"
	MinesLost   MinesStatus = "lost"
)

// MinesSnapshot is what a reconnecting client gets back. Mine positions and
// the server seed are never part of it.
type MinesSnapshot struct {
	SessionID         string          `json:"session_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          Currency        `json:"currency"`
	MinesCount        int             `json:"mines_count"`
	RevealedCells     []int           `json:"revealed_cells"`
	GemsRevealed      int             `json:"gems_revealed"`
	CurrentMultiplier float64         `json:"current_multiplier"`
	NextMultiplier    float64         `json:"next_multiplier"`
	PotentialWin      decimal.Decimal `json:"potential_win"`
	CommitmentDigest  string          `json:"server_seed_hash"`
	PublicSeed        string          `json:"client_seed"`
	Nonce             int64           `json:"nonce"`
	StartedAt         time.Time       `json:"started_at"`
}

type StartSessionResult struct {
	SessionID         string          `json:"session_id"`
	MinesCount        int             `json:"mines_count"`
	CommitmentDigest  string          `json:"server_seed_hash"`
	PublicSeed        string          `json:"client_seed"`
	Nonce             int64           `json:"nonce"`
	CurrentMultiplier float64         `json:"current_multiplier"`
	NextMultiplier    float64         `json:"next_multiplier"`
	Balance           decimal.Decimal `json:"balance"`
}

// RevealResult carries the disclosure fields only when GameOver is set.
type RevealResult struct {
	SessionID      string          `json:"session_id"`
	CellIndex      int             `json:"cell_index"`
	IsMine         bool            `json:"is_mine"`
	GameOver       bool            `json:"game_over"`
	GemsRevealed   int             `json:"gems_revealed"`
	Multiplier     float64         `json:"current_multiplier"`
	NextMultiplier float64         `json:"next_multiplier,omitempty"`
	PotentialWin   decimal.Decimal `json:"potential_win"`
	MinePositions  []int           `json:"mine_positions,omitempty"`
	ServerSeed     string          `json:"server_seed,omitempty"`
	Cashout        *MinesCashout   `json:"cashout,omitempty"`
}

type MinesCashout struct {
	SessionID     string          `json:"session_id"`
	WinAmount     decimal.Decimal `json:"win_amount"`
	Multiplier    float64         `json:"multiplier"`
	GemsRevealed  int             `json:"gems_revealed"`
	Currency      Currency        `json:"currency"`
	MinePositions []int           `json:"mine_positions"`
	ServerSeed    string          `json:"server_seed"`
	PublicSeed    string          `json:"client_seed"`
	Nonce         int64           `json:"nonce"`
	Balance       decimal.Decimal `json:"balance"`
}

type MultiplierStep struct {
	Gems       int     `json:"gems"`
	Multiplier float64 `json:"multiplier"`
}

// MinesEvent is the crowd-visible announcement of a finished session.
type MinesEvent struct {
	SessionID    string          `json:"session_id"`
	DisplayName  string          `json:"nickname"`
	Result       MinesStatus     `json:"result"`
	Amount       decimal.Decimal `json:"amount"`
	Multiplier   float64         `json:"multiplier,omitempty"`
	Currency     Currency        `json:"currency"`
	MinesCount   int             `json:"mines_count"`
	GemsRevealed int             `json:"gems_revealed"`
}

// MinesRecord is the stored audit trail of a session; ServerSeed and
// MinePositions are filled only after the session ends.
type MinesRecord struct {
	SessionID        string          `json:"session_id"`
	OwnerID          int64           `json:"owner_id"`
	Stake            decimal.Decimal `json:"stake"`
	Currency         Currency        `json:"currency"`
	MinesCount       int             `json:"mines_count"`
	PublicSeed       string          `json:"client_seed"`
	Nonce            int64           `json:"nonce"`
	CommitmentDigest string          `json:"server_seed_hash"`
	ServerSeed       string          `json:"server_seed,omitempty"`
	MinePositions    []int           `json:"mine_positions,omitempty"`
	RevealedCells    []int           `json:"revealed_cells,omitempty"`
	Status           MinesStatus     `json:"status"`
	Multiplier       float64         `json:"multiplier,omitempty"`
	WinAmount        decimal.Decimal `json:"win_amount"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at,omitempty"`
}
