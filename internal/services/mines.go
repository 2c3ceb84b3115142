package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
)

type SessionStore interface {
	SaveMinesRecord(ctx context.Context, rec *models.MinesRecord) error
}

type minesSession struct {
	mu sync.Mutex

	id          string
	ownerID     int64
	displayName string
	stake       decimal.Decimal
	currency    models.Currency
	minesCount  int
	mines       map[int]bool
	positions   []int
	revealed    []int
	multiplier  float64
	serverSeed  string
	digest      string
	publicSeed  string
	nonce       int64
	status      models.MinesStatus
	winAmount   decimal.Decimal
	startedAt   time.Time
	endedAt     time.Time
}

func (s *minesSession) isRevealed(cell int) bool {
	for _, c := range s.revealed {
		if c == cell {
			return true
		}
	}
	return false
}

func (s *minesSession) gems() int {
	n := 0
	for _, c := range s.revealed {
		if !s.mines[c] {
			n++
		}
	}
	return n
}

func (s *minesSession) record() *models.MinesRecord {
	rec := &models.MinesRecord{
		SessionID:        s.id,
		OwnerID:          s.ownerID,
		Stake:            s.stake,
		Currency:         s.currency,
		MinesCount:       s.minesCount,
		PublicSeed:       s.publicSeed,
		Nonce:            s.nonce,
		CommitmentDigest: s.digest,
		RevealedCells:    append([]int(nil), s.revealed...),
		Status:           s.status,
		Multiplier:       s.multiplier,
		WinAmount:        s.winAmount,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
	}
	if s.status != models.MinesActive {
		rec.ServerSeed = s.serverSeed
		rec.MinePositions = append([]int(nil), s.positions...)
	}
	return rec
}

// MinesEngine runs one tile-reveal session per owner. The registry lock only
// guards the maps; each session serializes its own reveals and cashout.
type MinesEngine struct {
	cfg    config.MinesConfig
	minBet map[string]decimal.Decimal
	maxBet map[string]decimal.Decimal
	fair   *Fairness
	settle *Settlement
	bc     Broadcaster
	store  SessionStore
	seq    SequenceSource
	log    logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*minesSession
	byOwner  map[int64]*minesSession
	starting map[int64]struct{}

	localNonce atomic.Int64
}

func NewMinesEngine(cfg *config.Config, fair *Fairness, settle *Settlement, bc Broadcaster, store SessionStore, seq SequenceSource, log logrus.FieldLogger) *MinesEngine {
	if bc == nil {
		bc = nopBroadcaster{}
	}
	e := &MinesEngine{
		cfg:      cfg.Mines,
		minBet:   cfg.MinBet,
		maxBet:   cfg.MaxBet,
		fair:     fair,
		settle:   settle,
		bc:       bc,
		store:    store,
		seq:      seq,
		log:      log.WithField("component", "mines"),
		sessions: make(map[string]*minesSession),
		byOwner:  make(map[int64]*minesSession),
		starting: make(map[int64]struct{}),
	}
	e.localNonce.Store(time.Now().UnixMilli())
	return e
}

func (e *MinesEngine) multiplier(mines, gems int) float64 {
	return MinesMultiplier(mines, gems, e.cfg.GridSize, e.cfg.RTP, e.cfg.MaxMultiplier)
}

func (e *MinesEngine) nextNonce(ctx context.Context) int64 {
	if e.seq != nil {
		n, err := e.seq.NextSequence(ctx, "mines")
		if err == nil {
			return n
		}
		e.log.WithError(err).Warn("sequence unavailable, using local nonce")
	}
	return e.localNonce.Add(1)
}

// StartSession debits the stake and opens a session. The owner slot is
// reserved before the debit so two concurrent starts cannot both pay.
func (e *MinesEngine) StartSession(ctx context.Context, id models.Identity, stake decimal.Decimal, currency string, minesCount int, publicSeed string) (*models.StartSessionResult, error) {
	cur, err := models.ParseCurrency(currency)
	if err != nil {
		return nil, validationErr("unsupported currency")
	}
	if err := validateAmount(stake, e.minBet[string(cur)], e.maxBet[string(cur)], cur); err != nil {
		return nil, err
	}
	if minesCount < e.cfg.MinMines || minesCount > e.cfg.MaxMines {
		return nil, validationErr("mines count must be between %d and %d", e.cfg.MinMines, e.cfg.MaxMines)
	}

	e.mu.Lock()
	if _, ok := e.byOwner[id.OwnerID]; ok {
		e.mu.Unlock()
		return nil, conflictErr(reasonSessionExists)
	}
	if _, ok := e.starting[id.OwnerID]; ok {
		e.mu.Unlock()
		return nil, conflictErr(reasonSessionExists)
	}
	e.starting[id.OwnerID] = struct{}{}
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.starting, id.OwnerID)
		e.mu.Unlock()
	}

	serverSeed, digest, err := e.fair.Commit()
	if err != nil {
		release()
		e.log.WithError(err).Error("failed to commit mines seed")
		return nil, &GameError{Kind: KindInternalLedger, Reason: "could not start game, try again", Err: err}
	}

	seed := models.SanitizePublicSeed(publicSeed)
	nonce := e.nextNonce(ctx)
	positions := DeriveMinePositions(serverSeed, seed, nonce, minesCount, e.cfg.GridSize)

	sess := &minesSession{
		id:          models.GenerateSessionID(),
		ownerID:     id.OwnerID,
		displayName: id.DisplayName,
		stake:       stake,
		currency:    cur,
		minesCount:  minesCount,
		mines:       make(map[int]bool, len(positions)),
		positions:   positions,
		multiplier:  1.00,
		serverSeed:  serverSeed,
		digest:      digest,
		publicSeed:  seed,
		nonce:       nonce,
		status:      models.MinesActive,
		startedAt:   time.Now(),
	}
	for _, p := range positions {
		sess.mines[p] = true
	}

	balance, err := e.settle.Debit(ctx, id.OwnerID, cur, stake, e.ref(sess, models.TransactionTypeBet, stake))
	if err != nil {
		release()
		return nil, err
	}

	e.mu.Lock()
	delete(e.starting, id.OwnerID)
	e.sessions[sess.id] = sess
	e.byOwner[id.OwnerID] = sess
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"session_id":       sess.id,
		"owner_id":         id.OwnerID,
		"amount":           stake.String(),
		"currency":         cur,
		"mines":            minesCount,
		"nonce":            nonce,
		"server_seed_hash": digest,
	}).Info("mines session started")
	e.saveRecord(ctx, sess.record())

	return &models.StartSessionResult{
		SessionID:         sess.id,
		MinesCount:        minesCount,
		CommitmentDigest:  digest,
		PublicSeed:        seed,
		Nonce:             nonce,
		CurrentMultiplier: 1.00,
		NextMultiplier:    e.multiplier(minesCount, 1),
		Balance:           balance,
	}, nil
}

func (e *MinesEngine) active(ownerID int64) *minesSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byOwner[ownerID]
}

func (e *MinesEngine) release(sess *minesSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sess.id)
	if e.byOwner[sess.ownerID] == sess {
		delete(e.byOwner, sess.ownerID)
	}
}

// RevealCell opens one cell. A mine ends the session and discloses the
// layout; the last safe cell cashes out automatically.
func (e *MinesEngine) RevealCell(ctx context.Context, ownerID int64, cell int) (*models.RevealResult, error) {
	if cell < 0 || cell >= e.cfg.GridSize {
		return nil, validationErr("cell index must be between 0 and %d", e.cfg.GridSize-1)
	}

	sess := e.active(ownerID)
	if sess == nil {
		return nil, conflictErr(reasonNoSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status != models.MinesActive {
		return nil, conflictErr(reasonNoSession)
	}
	if sess.isRevealed(cell) {
		return nil, conflictErr(reasonCellRevealed)
	}

	sess.revealed = append(sess.revealed, cell)

	if sess.mines[cell] {
		return e.loseLocked(ctx, sess, cell), nil
	}

	gems := sess.gems()
	sess.multiplier = e.multiplier(sess.minesCount, gems)
	res := &models.RevealResult{
		SessionID:    sess.id,
		CellIndex:    cell,
		GemsRevealed: gems,
		Multiplier:   sess.multiplier,
		PotentialWin: models.CalculatePayout(sess.stake, sess.multiplier),
	}

	if gems < e.cfg.GridSize-sess.minesCount {
		res.NextMultiplier = e.multiplier(sess.minesCount, gems+1)
		return res, nil
	}

	payout, err := e.winLocked(ctx, sess)
	if err != nil {
		return nil, err
	}
	res.GameOver = true
	res.MinePositions = payout.MinePositions
	res.ServerSeed = payout.ServerSeed
	res.Cashout = payout
	return res, nil
}

// Cashout settles the active session at its current multiplier.
func (e *MinesEngine) Cashout(ctx context.Context, ownerID int64) (*models.MinesCashout, error) {
	sess := e.active(ownerID)
	if sess == nil {
		return nil, conflictErr(reasonNoSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status != models.MinesActive {
		return nil, conflictErr(reasonNoSession)
	}
	if sess.gems() == 0 {
		return nil, conflictErr(reasonRevealFirst)
	}
	return e.winLocked(ctx, sess)
}

func (e *MinesEngine) loseLocked(ctx context.Context, sess *minesSession, cell int) *models.RevealResult {
	sess.status = models.MinesLost
	sess.multiplier = 0
	sess.endedAt = time.Now()
	e.release(sess)

	gems := sess.gems()
	e.log.WithFields(logrus.Fields{
		"session_id": sess.id,
		"owner_id":   sess.ownerID,
		"amount":     sess.stake.String(),
		"currency":   sess.currency,
		"cell":       cell,
	}).Info("mines session lost")
	e.saveRecord(ctx, sess.record())

	e.bc.Broadcast(event(models.MsgMinesGameOver, &models.MinesEvent{
		SessionID:    sess.id,
		DisplayName:  sess.displayName,
		Result:       models.MinesLost,
		Amount:       sess.stake,
		Currency:     sess.currency,
		MinesCount:   sess.minesCount,
		GemsRevealed: gems,
	}))

	return &models.RevealResult{
		SessionID:     sess.id,
		CellIndex:     cell,
		IsMine:        true,
		GameOver:      true,
		GemsRevealed:  gems,
		Multiplier:    0,
		PotentialWin:  decimal.Zero,
		MinePositions: append([]int(nil), sess.positions...),
		ServerSeed:    sess.serverSeed,
	}
}

// winLocked ends the session as won and credits the payout. The outcome is
// final even when the credit has to be deferred to the reconciler.
func (e *MinesEngine) winLocked(ctx context.Context, sess *minesSession) (*models.MinesCashout, error) {
	win := models.CalculatePayout(sess.stake, sess.multiplier)
	sess.status = models.MinesWon
	sess.winAmount = win
	sess.endedAt = time.Now()
	e.release(sess)

	gems := sess.gems()
	e.saveRecord(ctx, sess.record())

	balance, err := e.settle.Credit(ctx, sess.ownerID, sess.currency, win, e.ref(sess, models.TransactionTypeWin, win))

	e.log.WithFields(logrus.Fields{
		"session_id": sess.id,
		"owner_id":   sess.ownerID,
		"amount":     win.String(),
		"currency":   sess.currency,
		"multiplier": sess.multiplier,
		"gems":       gems,
	}).Info("mines session won")

	e.bc.Broadcast(event(models.MsgMinesCashout, &models.MinesEvent{
		SessionID:    sess.id,
		DisplayName:  sess.displayName,
		Result:       models.MinesWon,
		Amount:       win,
		Multiplier:   sess.multiplier,
		Currency:     sess.currency,
		MinesCount:   sess.minesCount,
		GemsRevealed: gems,
	}))

	if err != nil {
		return nil, err
	}

	return &models.MinesCashout{
		SessionID:     sess.id,
		WinAmount:     win,
		Multiplier:    sess.multiplier,
		GemsRevealed:  gems,
		Currency:      sess.currency,
		MinePositions: append([]int(nil), sess.positions...),
		ServerSeed:    sess.serverSeed,
		PublicSeed:    sess.publicSeed,
		Nonce:         sess.nonce,
		Balance:       balance,
	}, nil
}

// GetActiveSession returns the resumable view of the owner's session, or nil.
func (e *MinesEngine) GetActiveSession(ownerID int64) *models.MinesSnapshot {
	sess := e.active(ownerID)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != models.MinesActive {
		return nil
	}

	gems := sess.gems()
	snap := &models.MinesSnapshot{
		SessionID:         sess.id,
		Amount:            sess.stake,
		Currency:          sess.currency,
		MinesCount:        sess.minesCount,
		RevealedCells:     append([]int{}, sess.revealed...),
		GemsRevealed:      gems,
		CurrentMultiplier: sess.multiplier,
		PotentialWin:      models.CalculatePayout(sess.stake, sess.multiplier),
		CommitmentDigest:  sess.digest,
		PublicSeed:        sess.publicSeed,
		Nonce:             sess.nonce,
		StartedAt:         sess.startedAt,
	}
	if gems < e.cfg.GridSize-sess.minesCount {
		snap.NextMultiplier = e.multiplier(sess.minesCount, gems+1)
	}
	return snap
}

// MultiplierTable lists the paid multiplier for every reachable gem count.
func (e *MinesEngine) MultiplierTable(minesCount int) ([]models.MultiplierStep, error) {
	if minesCount < e.cfg.MinMines || minesCount > e.cfg.MaxMines {
		return nil, validationErr("mines count must be between %d and %d", e.cfg.MinMines, e.cfg.MaxMines)
	}
	safe := e.cfg.GridSize - minesCount
	table := make([]models.MultiplierStep, 0, safe)
	for gems := 1; gems <= safe; gems++ {
		table = append(table, models.MultiplierStep{Gems: gems, Multiplier: e.multiplier(minesCount, gems)})
	}
	return table, nil
}

// ActiveCount reports the number of sessions in play.
func (e *MinesEngine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// ActiveStakes sums the stakes of every session still in play per currency.
func (e *MinesEngine) ActiveStakes() map[models.Currency]decimal.Decimal {
	e.mu.Lock()
	sessions := make([]*minesSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	out := make(map[models.Currency]decimal.Decimal)
	for _, s := range sessions {
		out[s.currency] = out[s.currency].Add(s.stake)
	}
	return out
}

func (e *MinesEngine) saveRecord(ctx context.Context, rec *models.MinesRecord) {
	if e.store == nil {
		return
	}
	sort.Ints(rec.MinePositions)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := e.store.SaveMinesRecord(sctx, rec); err != nil {
		e.log.WithError(err).WithField("session_id", rec.SessionID).Warn("failed to persist mines record")
	}
}

func (e *MinesEngine) ref(sess *minesSession, t models.TransactionType, amount decimal.Decimal) models.LedgerRef {
	return models.LedgerRef{
		ID:          fmt.Sprintf("mines:%s:%s", sess.id, t),
		Type:        t,
		GameType:    models.GameTypeMines,
		GameID:      sess.id,
		Description: fmt.Sprintf("mines %s %s %s (%d mines)", t, amount.String(), sess.currency, sess.minesCount),
	}
}
