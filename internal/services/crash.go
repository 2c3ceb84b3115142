package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
)

type RoundStore interface {
	SaveRoundRecord(ctx context.Context, rec *models.RoundRecord) error
	AppendHistory(ctx context.Context, crashPoint float64, size int) error
	RecentHistory(ctx context.Context, n int) ([]float64, error)
}

type SequenceSource interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

const storeTimeout = 3 * time.Second

type crashRound struct {
	id         string
	phase      models.RoundPhase
	multiplier float64
	crashPoint float64
	serverSeed string
	digest     string
	publicSeed string
	nonce      int64
	countdown  int
	createdAt  time.Time
	startedAt  time.Time

	wagers  map[int64]*models.Wager
	order   []int64
	pending map[int64]struct{}
}

func (r *crashRound) acceptsBets() bool {
	return r.phase == models.PhaseAwaitingBets || r.phase == models.PhaseCountdown
}

func (r *crashRound) record() *models.RoundRecord {
	return &models.RoundRecord{
		RoundID:          r.id,
		Nonce:            r.nonce,
		PublicSeed:       r.publicSeed,
		CommitmentDigest: r.digest,
		Wagers:           len(r.wagers),
		CreatedAt:        r.createdAt,
	}
}

// CrashGame is the single continuously cycling crash round. All round state
// is guarded by mu; ledger calls are always made with mu released so one
// slow owner cannot stall the clock.
type CrashGame struct {
	cfg    config.CrashConfig
	minBet map[string]decimal.Decimal
	maxBet map[string]decimal.Decimal
	fair   *Fairness
	settle *Settlement
	bc     Broadcaster
	store  RoundStore
	seq    SequenceSource
	log    logrus.FieldLogger

	mu      sync.Mutex
	round   *crashRound
	history []float64

	localNonce atomic.Int64
	now        func() time.Time
}

func NewCrashGame(cfg *config.Config, fair *Fairness, settle *Settlement, bc Broadcaster, store RoundStore, seq SequenceSource, log logrus.FieldLogger) *CrashGame {
	if bc == nil {
		bc = nopBroadcaster{}
	}
	g := &CrashGame{
		cfg:    cfg.Crash,
		minBet: cfg.MinBet,
		maxBet: cfg.MaxBet,
		fair:   fair,
		settle: settle,
		bc:     bc,
		store:  store,
		seq:    seq,
		log:    log.WithField("component", "crash"),
		now:    time.Now,
	}
	g.localNonce.Store(time.Now().UnixMilli())
	return g
}

// LiveMultiplier is floor(e^(k*t) * 100) / 100 for t elapsed seconds.
func LiveMultiplier(elapsed, growthRate float64) float64 {
	if elapsed <= 0 {
		return 1.00
	}
	return models.FloorMultiplier(math.Exp(growthRate * elapsed))
}

// Init loads persisted history and opens the first round.
func (g *CrashGame) Init(ctx context.Context) error {
	if g.store != nil {
		history, err := g.store.RecentHistory(ctx, g.cfg.HistorySize)
		if err != nil {
			g.log.WithError(err).Warn("starting with empty crash history")
		} else {
			g.mu.Lock()
			g.history = history
			g.mu.Unlock()
		}
	}
	return g.openRound(ctx)
}

// Run drives the round clock until ctx is cancelled. Init must have been
// called. Wagers of an unfinished round are refunded on shutdown.
func (g *CrashGame) Run(ctx context.Context) error {
	for {
		if !g.sleep(ctx, g.cfg.BettingWindow) {
			return g.shutdown()
		}

		g.startCountdown()
		for n := g.cfg.CountdownSeconds; n > 0; n-- {
			g.countdownTick(n)
			if !g.sleep(ctx, time.Second) {
				return g.shutdown()
			}
		}

		g.goLive(g.now())
		if !g.runLive(ctx) {
			return g.shutdown()
		}

		if !g.sleep(ctx, g.cfg.ResolvedPause) {
			return g.shutdown()
		}
		if err := g.openRound(ctx); err != nil {
			return err
		}
	}
}

func (g *CrashGame) runLive(ctx context.Context) bool {
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if g.safeTick(ctx, g.now()) {
				return true
			}
		}
	}
}

func (g *CrashGame) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (g *CrashGame) nextNonce(ctx context.Context) int64 {
	if g.seq != nil {
		n, err := g.seq.NextSequence(ctx, "crash_round")
		if err == nil {
			return n
		}
		g.log.WithError(err).Warn("sequence unavailable, using local nonce")
	}
	return g.localNonce.Add(1)
}

func (g *CrashGame) openRound(ctx context.Context) error {
	serverSeed, digest, err := g.fair.Commit()
	if err != nil {
		return err
	}

	id := models.GenerateRoundID()
	nonce := g.nextNonce(ctx)
	r := &crashRound{
		id:         id,
		phase:      models.PhaseAwaitingBets,
		multiplier: 1.00,
		serverSeed: serverSeed,
		digest:     digest,
		publicSeed: id,
		nonce:      nonce,
		crashPoint: DeriveCrashPoint(serverSeed, id, nonce, g.cfg.HouseEdge),
		createdAt:  g.now(),
		wagers:     make(map[int64]*models.Wager),
		pending:    make(map[int64]struct{}),
	}

	g.mu.Lock()
	g.round = r
	history := g.historyViewLocked()
	g.mu.Unlock()

	g.log.WithFields(logrus.Fields{
		"round_id":         id,
		"nonce":            nonce,
		"server_seed_hash": digest,
	}).Info("crash round committed")
	g.saveRecord(ctx, r.record())

	g.bc.Broadcast(event(models.MsgCrashWaiting, map[string]interface{}{
		"round_id":         id,
		"multiplier":       1.00,
		"server_seed_hash": digest,
		"history":          history,
	}))
	return nil
}

func (g *CrashGame) startCountdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.round.phase = models.PhaseCountdown
	g.round.countdown = g.cfg.CountdownSeconds
}

func (g *CrashGame) countdownTick(n int) {
	g.mu.Lock()
	g.round.countdown = n
	history := g.historyViewLocked()
	g.mu.Unlock()

	g.bc.Broadcast(event(models.MsgCrashCountdown, map[string]interface{}{
		"countdown": n,
		"history":   history,
	}))
}

func (g *CrashGame) goLive(now time.Time) {
	g.mu.Lock()
	r := g.round
	r.phase = models.PhaseLive
	r.countdown = 0
	r.startedAt = now
	r.multiplier = 1.00
	bets := len(r.wagers)
	g.mu.Unlock()

	g.bc.Broadcast(event(models.MsgCrashStart, map[string]interface{}{
		"round_id":   r.id,
		"multiplier": 1.00,
		"bets_count": bets,
	}))
}

// safeTick keeps a broken tick from killing the round loop. A panic ends
// the round so the next one can start clean.
func (g *CrashGame) safeTick(ctx context.Context, now time.Time) (done bool) {
	defer func() {
		if p := recover(); p != nil {
			g.log.WithField("panic", p).Error("crash tick failed")
			g.abortRound("round aborted")
			done = true
		}
	}()
	return g.tick(ctx, now)
}

type tickOutcome struct {
	roundID    string
	multiplier float64
	autos      []*models.Wager
	crashed    *models.CrashCrashed
	record     *models.RoundRecord
}

// tick advances the live multiplier to now. Auto cashouts whose threshold is
// reached and is below the crash point settle in placement order before the
// crash check. Returns true once the round has resolved.
func (g *CrashGame) tick(ctx context.Context, now time.Time) bool {
	out, ok := g.advance(now)
	if !ok {
		return true
	}

	if out.crashed == nil {
		g.bc.Broadcast(event(models.MsgCrashTick, map[string]interface{}{
			"multiplier": out.multiplier,
		}))
	}

	for _, w := range out.autos {
		g.settleAutoCashout(out.roundID, w, out.multiplier)
	}

	if out.crashed != nil {
		g.finishRound(ctx, out)
		return true
	}
	return false
}

func (g *CrashGame) advance(now time.Time) (*tickOutcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.round
	if r.phase != models.PhaseLive {
		return nil, false
	}

	m := LiveMultiplier(now.Sub(r.startedAt).Seconds(), g.cfg.GrowthRate)
	out := &tickOutcome{roundID: r.id, multiplier: m}

	// The crash is checked first: a threshold crossed on the crashing tick
	// loses with the rest.
	if m >= r.crashPoint {
		out.crashed, out.record = g.resolveLocked(r, now)
		return out, true
	}

	for _, owner := range append([]int64(nil), r.order...) {
		w := r.wagers[owner]
		if w == nil {
			panic(fmt.Sprintf("wager order references missing owner %d in round %s", owner, r.id))
		}
		if w.AutoCashout > 0 && w.AutoCashout <= m {
			out.autos = append(out.autos, w)
			g.removeWagerLocked(r, owner)
		}
	}

	r.multiplier = m
	return out, true
}

func (g *CrashGame) resolveLocked(r *crashRound, now time.Time) (*models.CrashCrashed, *models.RoundRecord) {
	r.phase = models.PhaseResolved
	r.multiplier = r.crashPoint

	losers := make([]models.LostWager, 0, len(r.wagers))
	for _, owner := range r.order {
		w := r.wagers[owner]
		losers = append(losers, models.LostWager{OwnerID: w.OwnerID, Amount: w.Amount, Currency: w.Currency})
	}

	g.history = append(g.history, r.crashPoint)
	if len(g.history) > g.cfg.HistorySize {
		g.history = g.history[len(g.history)-g.cfg.HistorySize:]
	}

	rec := r.record()
	rec.ServerSeed = r.serverSeed
	rec.CrashPoint = r.crashPoint
	rec.ResolvedAt = now

	r.wagers = make(map[int64]*models.Wager)
	r.order = nil

	return &models.CrashCrashed{
		RoundID:          r.id,
		CrashPoint:       r.crashPoint,
		ServerSeed:       r.serverSeed,
		CommitmentDigest: r.digest,
		PublicSeed:       r.publicSeed,
		Nonce:            r.nonce,
		History:          g.historyViewLocked(),
		Losers:           losers,
	}, rec
}

func (g *CrashGame) finishRound(ctx context.Context, out *tickOutcome) {
	crashed := out.crashed
	for _, l := range crashed.Losers {
		g.log.WithFields(logrus.Fields{
			"round_id": crashed.RoundID,
			"owner_id": l.OwnerID,
			"amount":   l.Amount.String(),
			"currency": l.Currency,
		}).Info("wager lost")
	}
	g.log.WithFields(logrus.Fields{
		"round_id":    crashed.RoundID,
		"crash_point": crashed.CrashPoint,
		"losers":      len(crashed.Losers),
	}).Info("crash round resolved")

	g.saveRecord(ctx, out.record)
	if g.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := g.store.AppendHistory(sctx, crashed.CrashPoint, g.cfg.HistorySize); err != nil {
			g.log.WithError(err).Warn("failed to persist crash history")
		}
		cancel()
	}

	g.bc.Broadcast(event(models.MsgCrashCrashed, crashed))
}

func (g *CrashGame) saveRecord(ctx context.Context, rec *models.RoundRecord) {
	if g.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := g.store.SaveRoundRecord(sctx, rec); err != nil {
		g.log.WithError(err).WithField("round_id", rec.RoundID).Warn("failed to persist round record")
	}
}

func (g *CrashGame) removeWagerLocked(r *crashRound, owner int64) {
	delete(r.wagers, owner)
	for i, id := range r.order {
		if id == owner {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (g *CrashGame) historyViewLocked() []float64 {
	n := len(g.history)
	from := 0
	if n > g.cfg.HistoryView {
		from = n - g.cfg.HistoryView
	}
	return append([]float64(nil), g.history[from:]...)
}

// PlaceWager stakes amount on the current round. The debit happens with the
// round unlocked; if the betting window closed meanwhile the stake is
// refunded and the bet refused.
func (g *CrashGame) PlaceWager(ctx context.Context, id models.Identity, amount decimal.Decimal, currency string, autoCashout float64) (*models.BetResult, error) {
	cur, err := models.ParseCurrency(currency)
	if err != nil {
		return nil, validationErr("unsupported currency")
	}
	if err := validateAmount(amount, g.minBet[string(cur)], g.maxBet[string(cur)], cur); err != nil {
		return nil, err
	}
	if math.IsNaN(autoCashout) || math.IsInf(autoCashout, 0) {
		return nil, validationErr("invalid auto cashout")
	}
	if autoCashout <= 1 {
		autoCashout = 0
	}
	autoCashout = models.FloorMultiplier(autoCashout)

	g.mu.Lock()
	r := g.round
	if r == nil || !r.acceptsBets() {
		g.mu.Unlock()
		return nil, conflictErr(reasonWaitNextRound)
	}
	if _, ok := r.wagers[id.OwnerID]; ok {
		g.mu.Unlock()
		return nil, conflictErr(reasonBetExists)
	}
	if _, ok := r.pending[id.OwnerID]; ok {
		g.mu.Unlock()
		return nil, conflictErr(reasonBetExists)
	}
	r.pending[id.OwnerID] = struct{}{}
	g.mu.Unlock()

	w := &models.Wager{
		ID:          uuid.NewString(),
		OwnerID:     id.OwnerID,
		DisplayName: id.DisplayName,
		Amount:      amount,
		Currency:    cur,
		AutoCashout: autoCashout,
	}

	balance, err := g.settle.Debit(ctx, id.OwnerID, cur, amount, g.ref(r.id, w, models.TransactionTypeBet))

	g.mu.Lock()
	delete(r.pending, id.OwnerID)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if g.round != r || !r.acceptsBets() {
		g.mu.Unlock()
		g.refund(ctx, r.id, w, "betting window closed during debit")
		return nil, conflictErr(reasonWaitNextRound)
	}
	w.PlacedAt = g.now()
	r.wagers[id.OwnerID] = w
	r.order = append(r.order, id.OwnerID)
	g.mu.Unlock()

	g.log.WithFields(logrus.Fields{
		"round_id":     r.id,
		"owner_id":     id.OwnerID,
		"amount":       amount.String(),
		"currency":     cur,
		"auto_cashout": autoCashout,
	}).Info("crash bet placed")

	return &models.BetResult{
		RoundID:     r.id,
		Amount:      amount,
		Currency:    cur,
		AutoCashout: autoCashout,
		Balance:     balance,
	}, nil
}

// Cashout settles the owner's wager at the current multiplier. The wager is
// removed before the credit so a concurrent second call finds nothing.
func (g *CrashGame) Cashout(ctx context.Context, ownerID int64) (*models.CashoutResult, error) {
	g.mu.Lock()
	r := g.round
	if r == nil || r.phase == models.PhaseAwaitingBets || r.phase == models.PhaseCountdown {
		g.mu.Unlock()
		return nil, conflictErr(reasonRoundNotLive)
	}
	w, ok := r.wagers[ownerID]
	if !ok || r.phase != models.PhaseLive {
		g.mu.Unlock()
		return nil, conflictErr(reasonNoActiveWager)
	}
	multiplier := r.multiplier
	g.removeWagerLocked(r, ownerID)
	g.mu.Unlock()

	win := models.CalculatePayout(w.Amount, multiplier)
	g.announceCashout(r.id, w, win, multiplier, false)

	balance, err := g.settle.Credit(ctx, ownerID, w.Currency, win, g.ref(r.id, w, models.TransactionTypeWin))
	if err != nil {
		return nil, err
	}

	return &models.CashoutResult{
		RoundID:    r.id,
		Amount:     win,
		Multiplier: multiplier,
		Currency:   w.Currency,
		Balance:    balance,
	}, nil
}

// settleAutoCashout pays at the multiplier of the tick that triggered it,
// like a manual cashout on that tick. The credit runs in the background so
// the tick loop never waits on the ledger.
func (g *CrashGame) settleAutoCashout(roundID string, w *models.Wager, multiplier float64) {
	win := models.CalculatePayout(w.Amount, multiplier)
	g.announceCashout(roundID, w, win, multiplier, true)

	g.settle.CreditAsync(w.OwnerID, w.Currency, win, g.ref(roundID, w, models.TransactionTypeWin), func(balance decimal.Decimal, err error) {
		if err != nil {
			g.bc.SendTo(w.OwnerID, &models.OutboundMessage{
				Type:  models.MsgCashoutResult,
				Error: ReasonOf(err),
				Code:  string(KindOf(err)),
			})
			return
		}
		g.bc.SendTo(w.OwnerID, event(models.MsgCashoutResult, &models.CashoutResult{
			RoundID:    roundID,
			Amount:     win,
			Multiplier: multiplier,
			Currency:   w.Currency,
			IsAuto:     true,
			Balance:    balance,
		}))
	})
}

func (g *CrashGame) announceCashout(roundID string, w *models.Wager, win decimal.Decimal, multiplier float64, auto bool) {
	g.log.WithFields(logrus.Fields{
		"round_id":   roundID,
		"owner_id":   w.OwnerID,
		"amount":     win.String(),
		"currency":   w.Currency,
		"multiplier": multiplier,
		"auto":       auto,
	}).Info("crash cashout")

	g.bc.Broadcast(event(models.MsgCrashCashout, &models.CashoutEvent{
		RoundID:     roundID,
		OwnerID:     w.OwnerID,
		DisplayName: w.DisplayName,
		Amount:      win,
		Multiplier:  multiplier,
		Currency:    w.Currency,
		IsAuto:      auto,
	}))
}

// CancelWager withdraws a wager during the betting phase and refunds it.
func (g *CrashGame) CancelWager(ctx context.Context, ownerID int64) (*models.CancelResult, error) {
	g.mu.Lock()
	r := g.round
	if r == nil || r.phase != models.PhaseAwaitingBets {
		g.mu.Unlock()
		return nil, conflictErr(reasonCancelClosed)
	}
	w, ok := r.wagers[ownerID]
	if !ok {
		g.mu.Unlock()
		return nil, conflictErr(reasonNoActiveWager)
	}
	g.removeWagerLocked(r, ownerID)
	g.mu.Unlock()

	balance, err := g.settle.Credit(ctx, ownerID, w.Currency, w.Amount, g.ref(r.id, w, models.TransactionTypeRefund))
	if err != nil {
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"round_id": r.id,
		"owner_id": ownerID,
		"amount":   w.Amount.String(),
	}).Info("crash bet cancelled")

	return &models.CancelResult{
		RoundID:  r.id,
		Amount:   w.Amount,
		Currency: w.Currency,
		Balance:  balance,
	}, nil
}

func (g *CrashGame) refund(ctx context.Context, roundID string, w *models.Wager, why string) {
	if _, err := g.settle.Credit(ctx, w.OwnerID, w.Currency, w.Amount, g.ref(roundID, w, models.TransactionTypeRefund)); err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{
			"round_id": roundID,
			"owner_id": w.OwnerID,
		}).Error("refund deferred")
		return
	}
	g.log.WithFields(logrus.Fields{
		"round_id": roundID,
		"owner_id": w.OwnerID,
		"reason":   why,
	}).Info("crash bet refunded")
}

// abortRound refunds every wager of a round that will never resolve.
func (g *CrashGame) abortRound(why string) {
	g.mu.Lock()
	r := g.round
	if r == nil || r.phase == models.PhaseResolved {
		g.mu.Unlock()
		return
	}
	wagers := make([]*models.Wager, 0, len(r.order))
	for _, owner := range r.order {
		if w, ok := r.wagers[owner]; ok {
			wagers = append(wagers, w)
		}
	}
	r.phase = models.PhaseResolved
	r.wagers = make(map[int64]*models.Wager)
	r.order = nil
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), creditTimeout)
	defer cancel()
	for _, w := range wagers {
		g.refund(ctx, r.id, w, why)
	}
}

func (g *CrashGame) shutdown() error {
	g.abortRound("server shutdown")
	g.settle.Wait()
	return nil
}

func (g *CrashGame) ref(roundID string, w *models.Wager, t models.TransactionType) models.LedgerRef {
	return models.LedgerRef{
		ID:          fmt.Sprintf("crash:%s:%s", w.ID, t),
		Type:        t,
		GameType:    models.GameTypeCrash,
		GameID:      roundID,
		Description: fmt.Sprintf("crash %s %s %s", t, w.Amount.String(), w.Currency),
	}
}

// State is a read-only snapshot; it never fails.
func (g *CrashGame) State() *models.RoundState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := &models.RoundState{
		Phase:      models.PhaseAwaitingBets,
		Multiplier: 1.00,
		History:    g.historyViewLocked(),
	}
	if r := g.round; r != nil {
		st.RoundID = r.id
		st.Phase = r.phase
		st.Multiplier = r.multiplier
		st.Countdown = r.countdown
		st.BetsCount = len(r.wagers)
		st.CommitmentDigest = r.digest
	}
	return st
}

// ActiveWager returns a copy of the owner's wager in the current round.
func (g *CrashGame) ActiveWager(ownerID int64) *models.Wager {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.round == nil {
		return nil
	}
	w, ok := g.round.wagers[ownerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// validateAmount checks a stake against the currency limits. A zero maxBet
// means no upper limit.
func validateAmount(amount, minBet, maxBet decimal.Decimal, cur models.Currency) error {
	if !amount.IsPositive() {
		return validationErr("bet amount must be positive")
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Truncate(2)) {
		return validationErr("amount supports at most 2 decimal places")
	}
	if amount.LessThan(minBet) {
		return validationErr("minimum bet is %s %s", minBet.String(), cur)
	}
	if maxBet.IsPositive() && amount.GreaterThan(maxBet) {
		return validationErr("maximum bet is %s %s", maxBet.String(), cur)
	}
	return nil
}

// ActiveStakes sums the stakes still at risk in the current round per
// currency.
func (g *CrashGame) ActiveStakes() map[models.Currency]decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[models.Currency]decimal.Decimal)
	if g.round == nil {
		return out
	}
	for _, w := range g.round.wagers {
		out[w.Currency] = out[w.Currency].Add(w.Amount)
	}
	return out
}
