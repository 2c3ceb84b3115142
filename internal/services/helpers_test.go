package services

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
)

func newTestRedis(t *testing.T) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisServiceFromClient(client), mr
}

func testConfig() *config.Config {
	return &config.Config{
		Env:       config.EnvDevelopment,
		JWTSecret: "test-secret",
		Crash:     config.DefaultCrashConfig(),
		Mines:     config.DefaultMinesConfig(),
		MinBet:    config.DefaultMinBets(),
		MaxBet:    config.DefaultMaxBets(),
	}
}

func testLogger() (*logrus.Logger, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// fundOwner creates an account holding amount stars.
func fundOwner(t *testing.T, l Ledger, ownerID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.CreateUser(ctx, ownerID, "player"))
	_, err := l.AdjustBalance(ctx, ownerID, models.CurrencyStars, decimal.RequireFromString(amount), models.LedgerRef{
		ID:   "fund:" + decimal.NewFromInt(ownerID).String(),
		Type: models.TransactionTypeBonus,
	})
	require.NoError(t, err)
}

func assertBalance(t *testing.T, l Ledger, ownerID int64, want string) {
	t.Helper()
	got, err := l.GetBalance(context.Background(), ownerID, models.CurrencyStars)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString(want).Equal(got), "balance: want %s, got %s", want, got)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "amount: want %s, got %s", want, got)
}

// fixedFairness hands out the same 32-byte seed on every Commit.
func fixedFairness(b byte) *Fairness {
	return NewFairnessWithReader(&repeatReader{b: b})
}

type repeatReader struct{ b byte }

func (r *repeatReader) Read(p []byte) (int, error) {
	copy(p, bytes.Repeat([]byte{r.b}, len(p)))
	return len(p), nil
}

type counterSeq struct{ n atomic.Int64 }

func (s *counterSeq) NextSequence(context.Context, string) (int64, error) {
	return s.n.Add(1), nil
}

// flakyLedger fails the next n credits with a transport error.
type flakyLedger struct {
	Ledger
	failCredits atomic.Int32
}

var errLedgerDown = errors.New("connection refused")

func (l *flakyLedger) AdjustBalance(ctx context.Context, ownerID int64, currency models.Currency, delta decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	if delta.IsPositive() && l.failCredits.Load() > 0 {
		l.failCredits.Add(-1)
		return decimal.Zero, errLedgerDown
	}
	return l.Ledger.AdjustBalance(ctx, ownerID, currency, delta, ref)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	all    []*models.OutboundMessage
	direct map[int64][]*models.OutboundMessage
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{direct: make(map[int64][]*models.OutboundMessage)}
}

func (b *recordingBroadcaster) Broadcast(msg *models.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, msg)
}

func (b *recordingBroadcaster) SendTo(ownerID int64, msg *models.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[ownerID] = append(b.direct[ownerID], msg)
}

func (b *recordingBroadcaster) ofType(msgType string) []*models.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.OutboundMessage
	for _, m := range b.all {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (b *recordingBroadcaster) sentTo(ownerID int64) []*models.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.OutboundMessage(nil), b.direct[ownerID]...)
}
