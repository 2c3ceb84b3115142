package services

import "time"

const (
	KeyUserInfo         = "user:%d:info"
	KeyWallet           = "wallet:%d"
	KeyLedgerRef        = "ledger:ref:%s"
	KeyUserTransactions = "user:%d:transactions"
	KeyRateLimit        = "ratelimit:%d:%s"
	KeyCrashRound       = "crash:round:%s"
	KeyCrashHistory     = "crash:history"
	KeyMinesSession     = "mines:session:%s"
	KeySequence         = "seq:%s"
	KeyReconcilePending = "reconcile:pending"

	TTLLedgerRef    = 30 * 24 * time.Hour
	TTLCrashRound   = 7 * 24 * time.Hour
	TTLMinesSession = 7 * 24 * time.Hour

	MaxUserTransactions = 100

	DefaultRateLimitBets    = 30
	DefaultRateLimitCashout = 60
	DefaultRateLimitReveal  = 120
)
