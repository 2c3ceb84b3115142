package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/models"
)

const creditTimeout = 10 * time.Second

// PendingCredit is a payout the ledger has not accepted yet. The outcome is
// already fixed by committed randomness, so it is retried until applied.
type PendingCredit struct {
	OwnerID   int64            `json:"owner_id"`
	Currency  models.Currency  `json:"currency"`
	Amount    decimal.Decimal  `json:"amount"`
	Ref       models.LedgerRef `json:"ref"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error"`
	CreatedAt time.Time        `json:"created_at"`
}

type ReconcileStore interface {
	SavePending(ctx context.Context, item *PendingCredit) error
	DeletePending(ctx context.Context, refID string) error
	LoadPending(ctx context.Context) ([]*PendingCredit, error)
}

// Settlement is the only path from the game engines to the ledger. Every
// mutation carries a unique reference so retries cannot double-apply.
type Settlement struct {
	ledger Ledger
	store  ReconcileStore
	log    logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]*PendingCredit
	debits  map[models.Currency]decimal.Decimal
	credits map[models.Currency]decimal.Decimal

	inflight sync.WaitGroup
}

func NewSettlement(ledger Ledger, store ReconcileStore, log logrus.FieldLogger) *Settlement {
	return &Settlement{
		ledger:  ledger,
		store:   store,
		log:     log.WithField("component", "settlement"),
		pending: make(map[string]*PendingCredit),
		debits:  make(map[models.Currency]decimal.Decimal),
		credits: make(map[models.Currency]decimal.Decimal),
	}
}

func (s *Settlement) Ledger() Ledger {
	return s.ledger
}

// Debit takes a stake. Failure means nothing was taken.
func (s *Settlement) Debit(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	balance, err := s.ledger.AdjustBalance(ctx, ownerID, currency, amount.Neg(), ref)
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientFunds):
		return decimal.Zero, &GameError{Kind: KindInsufficientFunds, Reason: reasonInsufficient, Err: err}
	case errors.Is(err, ErrUnknownOwner):
		return decimal.Zero, &GameError{Kind: KindValidation, Reason: "account not found", Err: err}
	case errors.Is(err, ErrAmountOutOfRange):
		return decimal.Zero, &GameError{Kind: KindValidation, Reason: "amount out of range", Err: err}
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"owner_id": ownerID,
			"ref_id":   ref.ID,
		}).Error("stake debit failed")
		return decimal.Zero, &GameError{Kind: KindInternalLedger, Reason: "ledger unavailable, try again", Err: err}
	}

	s.mu.Lock()
	s.debits[currency] = s.debits[currency].Add(amount)
	s.mu.Unlock()
	return balance, nil
}

// Credit pays out a win or refund. On ledger failure the credit is queued for
// reconciliation and a KindInternalLedger error is returned.
func (s *Settlement) Credit(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	balance, err := s.apply(ctx, ownerID, currency, amount, ref)
	if err == nil {
		return balance, nil
	}

	s.enqueue(&PendingCredit{
		OwnerID:   ownerID,
		Currency:  currency,
		Amount:    amount,
		Ref:       ref,
		Attempts:  1,
		LastError: err.Error(),
		CreatedAt: time.Now(),
	})
	return decimal.Zero, &GameError{Kind: KindInternalLedger, Reason: reasonLedgerDeferred, Err: err}
}

// CreditAsync runs Credit without blocking the caller. done, if set, is
// called with the outcome once the credit settles or is queued.
func (s *Settlement) CreditAsync(ownerID int64, currency models.Currency, amount decimal.Decimal, ref models.LedgerRef, done func(decimal.Decimal, error)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), creditTimeout)
		defer cancel()

		balance, err := s.Credit(ctx, ownerID, currency, amount, ref)
		if done != nil {
			done(balance, err)
		}
	}()
}

// Wait blocks until every CreditAsync call has settled or been queued.
func (s *Settlement) Wait() {
	s.inflight.Wait()
}

func (s *Settlement) apply(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	balance, err := s.ledger.AdjustBalance(ctx, ownerID, currency, amount, ref)
	if errors.Is(err, ErrDuplicateReference) {
		// Applied by an earlier attempt whose reply was lost. A queued item
		// was never counted, so it is counted now.
		balance, err = s.ledger.GetBalance(ctx, ownerID, currency)
		if err != nil {
			return decimal.Zero, err
		}
		s.mu.Lock()
		if _, owed := s.pending[ref.ID]; owed {
			s.credits[currency] = s.credits[currency].Add(amount)
		}
		s.mu.Unlock()
		return balance, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	s.credits[currency] = s.credits[currency].Add(amount)
	s.mu.Unlock()
	return balance, nil
}

func (s *Settlement) enqueue(item *PendingCredit) {
	s.log.WithFields(logrus.Fields{
		"owner_id": item.OwnerID,
		"currency": item.Currency,
		"amount":   item.Amount.String(),
		"ref_id":   item.Ref.ID,
		"game_id":  item.Ref.GameID,
		"error":    item.LastError,
	}).Error("credit failed, queued for reconciliation")

	s.mu.Lock()
	s.pending[item.Ref.ID] = item
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), creditTimeout)
		defer cancel()
		if err := s.store.SavePending(ctx, item); err != nil {
			s.log.WithError(err).WithField("ref_id", item.Ref.ID).Error("failed to persist reconciliation item")
		}
	}
}

// Pending lists credits still owed, oldest first.
func (s *Settlement) Pending() []PendingCredit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingCredit, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Totals returns the sum of all stakes taken and all credits paid per
// currency since start. A queued credit counts once the ledger holds it,
// including when its first attempt landed without a reply.
func (s *Settlement) Totals() (debits, credits map[models.Currency]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	debits = make(map[models.Currency]decimal.Decimal, len(s.debits))
	for k, v := range s.debits {
		debits[k] = v
	}
	credits = make(map[models.Currency]decimal.Decimal, len(s.credits))
	for k, v := range s.credits {
		credits[k] = v
	}
	return debits, credits
}

// RunReconciler retries queued credits every interval until ctx ends. Items
// persisted by a previous process are picked up first.
func (s *Settlement) RunReconciler(ctx context.Context, interval time.Duration) error {
	if s.store != nil {
		items, err := s.store.LoadPending(ctx)
		if err != nil {
			s.log.WithError(err).Error("failed to load reconciliation items")
		}
		s.mu.Lock()
		for _, item := range items {
			s.pending[item.Ref.ID] = item
		}
		s.mu.Unlock()
		if len(items) > 0 {
			s.log.WithField("count", len(items)).Warn("loaded unreconciled credits")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile makes one pass over the queue and returns how many items are
// still outstanding.
func (s *Settlement) Reconcile(ctx context.Context) int {
	for _, item := range s.Pending() {
		entry := s.log.WithFields(logrus.Fields{
			"owner_id": item.OwnerID,
			"ref_id":   item.Ref.ID,
			"amount":   item.Amount.String(),
		})

		_, err := s.apply(ctx, item.OwnerID, item.Currency, item.Amount, item.Ref)
		if err != nil {
			s.mu.Lock()
			if p, ok := s.pending[item.Ref.ID]; ok {
				p.Attempts++
				p.LastError = err.Error()
			}
			s.mu.Unlock()
			entry.WithError(err).WithField("attempts", item.Attempts+1).Warn("reconciliation retry failed")
			continue
		}

		s.mu.Lock()
		delete(s.pending, item.Ref.ID)
		s.mu.Unlock()
		if s.store != nil {
			if err := s.store.DeletePending(ctx, item.Ref.ID); err != nil {
				entry.WithError(err).Error("failed to clear reconciliation item")
			}
		}
		entry.Info("reconciled credit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
