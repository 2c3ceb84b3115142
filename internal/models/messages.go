package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Inbound message types.
const (
	MsgAuth           = "auth"
	MsgPlaceBet       = "place_bet"
	MsgCashout        = "cashout"
	MsgCancelBet      = "cancel_bet"
	MsgStartSession   = "start_session"
	MsgRevealCell     = "reveal_cell"
	MsgSessionCashout = "session_cashout"
	MsgGetState       = "get_state"
	MsgPing           = "ping"
)

// Outbound message types.
const (
	MsgAuthResult           = "auth_result"
	MsgBetResult            = "bet_result"
	MsgCashoutResult        = "cashout_result"
	MsgCancelResult         = "cancel_result"
	MsgSessionStarted       = "session_started"
	MsgRevealResult         = "reveal_result"
	MsgSessionCashoutResult = "session_cashout_result"
	MsgPong                 = "pong"
	MsgError                = "error"

	MsgCrashState     = "crash_state"
	MsgCrashWaiting   = "crash_waiting"
	MsgCrashCountdown = "crash_countdown"
	MsgCrashStart     = "crash_start"
	MsgCrashTick      = "crash_tick"
	MsgCrashCashout   = "crash_cashout"
	MsgCrashCrashed   = "crash_crashed"
	MsgMinesCashout   = "mines_cashout"
	MsgMinesGameOver  = "mines_game_over"
)

// Message is the envelope for both directions. Inbound payloads sit in Data
// as raw JSON until the handler knows the type.
type Message struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Token string          `json:"token,omitempty"`
}

type OutboundMessage struct {
	Type    string      `json:"type"`
	Success *bool       `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type PlaceBetPayload struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	AutoCashout float64         `json:"autoCashout,omitempty"`
}

type StartSessionPayload struct {
	Stake      decimal.Decimal `json:"stake"`
	Currency   string          `json:"currency"`
	MinesCount int             `json:"minesCount"`
	PublicSeed string          `json:"publicSeed"`
}

type RevealCellPayload struct {
	Index *int `json:"index"`
}

type AuthResult struct {
	OwnerID     int64          `json:"owner_id"`
	DisplayName string         `json:"nickname"`
	Balances    Balances       `json:"balances"`
	Crash       *Wager         `json:"crash_wager,omitempty"`
	Mines       *MinesSnapshot `json:"mines_session,omitempty"`
}

type CrashCrashed struct {
	RoundID          string      `json:"round_id"`
	CrashPoint       float64     `json:"crash_point"`
	ServerSeed       string      `json:"server_seed"`
	CommitmentDigest string      `json:"server_seed_hash"`
	PublicSeed       string      `json:"public_seed"`
	Nonce            int64       `json:"nonce"`
	History          []float64   `json:"history"`
	Losers           []LostWager `json:"losers"`
}
