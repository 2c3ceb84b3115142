package services

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthentication    ErrorKind = "authentication"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindConflict          ErrorKind = "conflict"
	KindInternalLedger    ErrorKind = "internal_ledger"
)

// GameError is the only error type returned by engine operations. Reason is
// short and safe to show to the player.
type GameError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *GameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *GameError) Unwrap() error {
	return e.Err
}

func validationErr(format string, args ...interface{}) *GameError {
	return &GameError{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func conflictErr(reason string) *GameError {
	return &GameError{Kind: KindConflict, Reason: reason}
}

var ErrNotAuthenticated = &GameError{Kind: KindAuthentication, Reason: "not authenticated"}

const (
	reasonInsufficient   = "insufficient balance"
	reasonWaitNextRound  = "wait for next round"
	reasonRoundNotLive   = "round has not started"
	reasonCancelClosed   = "bets can only be cancelled before the countdown"
	reasonBetExists      = "bet already placed"
	reasonNoActiveWager  = "no active wager"
	reasonSessionExists  = "you already have an active game"
	reasonNoSession      = "no active game"
	reasonCellRevealed   = "cell already revealed"
	reasonRevealFirst    = "open at least one cell before cashing out"
	reasonLedgerDeferred = "payout is delayed and will be credited shortly"
)

// KindOf reports the kind of a GameError anywhere in err's chain.
func KindOf(err error) ErrorKind {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// ReasonOf returns the player-facing reason, hiding internal detail.
func ReasonOf(err error) string {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return "internal error"
}
