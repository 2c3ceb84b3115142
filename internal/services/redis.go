package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
)

var ErrRecordNotFound = errors.New("record not found")

// RedisService is the Redis-backed Ledger plus the small stores the engines
// need: round records, crash history, mines records, sequences, rate limits
// and pending reconciliation items.
type RedisService struct {
	client *redis.Client
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisService{client: client}, nil
}

func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) CreateUser(ctx context.Context, ownerID int64, displayName string) error {
	key := fmt.Sprintf(KeyUserInfo, ownerID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", time.Now().Unix())
	pipe.HSet(ctx, key, "display_name", displayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *RedisService) UserExists(ctx context.Context, ownerID int64) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(KeyUserInfo, ownerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n == 1, nil
}

func (s *RedisService) GetBalance(ctx context.Context, ownerID int64, currency models.Currency) (decimal.Decimal, error) {
	exists, err := s.UserExists(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ErrUnknownOwner
	}

	cents, err := s.client.HGet(ctx, fmt.Sprintf(KeyWallet, ownerID), string(currency)).Int64()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return fromCents(cents), nil
}

// adjustBalanceScript applies a signed cent delta to one currency field of a
// wallet hash, refusing overdrafts, unknown users and replayed references.
var adjustBalanceScript = redis.NewScript(`
	local wallet = KEYS[1]
	local info = KEYS[2]
	local ref = KEYS[3]
	local field = ARGV[1]
	local delta = tonumber(ARGV[2])

	if redis.call("EXISTS", info) == 0 then
		return redis.error_reply("user not found")
	end
	if redis.call("EXISTS", ref) == 1 then
		return redis.error_reply("duplicate ledger reference")
	end

	local balance = tonumber(redis.call("HGET", wallet, field) or "0")
	if delta < 0 and balance + delta < 0 then
		return redis.error_reply("insufficient balance")
	end
	if balance + delta > 9007199254740991 then
		return redis.error_reply("amount out of range")
	end

	local updated = redis.call("HINCRBY", wallet, field, ARGV[2])
	redis.call("SET", ref, field .. ":" .. ARGV[2], "EX", ARGV[3])

	return updated
`)

func (s *RedisService) AdjustBalance(ctx context.Context, ownerID int64, currency models.Currency, delta decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	if ref.ID == "" {
		ref.ID = models.GenerateTransactionID()
	}
	cents, err := toCents(delta)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{
		fmt.Sprintf(KeyWallet, ownerID),
		fmt.Sprintf(KeyUserInfo, ownerID),
		fmt.Sprintf(KeyLedgerRef, ref.ID),
	}
	updated, err := adjustBalanceScript.Run(ctx, s.client, keys,
		string(currency), strconv.FormatInt(cents, 10), int64(TTLLedgerRef.Seconds())).Int64()
	if err != nil {
		return decimal.Zero, mapLedgerScriptError(err)
	}

	balance := fromCents(updated)
	s.appendTransaction(ctx, &models.Transaction{
		ID:           ref.ID,
		UserID:       ownerID,
		Type:         ref.Type,
		Currency:     currency,
		Amount:       fromCents(cents),
		BalanceAfter: balance,
		GameType:     ref.GameType,
		GameID:       ref.GameID,
		Description:  ref.Description,
		CreatedAt:    time.Now(),
	})

	return balance, nil
}

func mapLedgerScriptError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient balance"):
		return ErrInsufficientFunds
	case strings.Contains(msg, "amount out of range"):
		return ErrAmountOutOfRange
	case strings.Contains(msg, "user not found"):
		return ErrUnknownOwner
	case strings.Contains(msg, "duplicate ledger reference"):
		return ErrDuplicateReference
	}
	return fmt.Errorf("ledger adjust failed: %w", err)
}

// appendTransaction is best effort; the balance mutation has already been
// committed by the script.
func (s *RedisService) appendTransaction(ctx context.Context, tx *models.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		return
	}
	key := fmt.Sprintf(KeyUserTransactions, tx.UserID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, MaxUserTransactions-1)
	pipe.Exec(ctx)
}

func (s *RedisService) GetUserTransactions(ctx context.Context, ownerID int64, limit int64) ([]*models.Transaction, error) {
	if limit <= 0 || limit > MaxUserTransactions {
		limit = 50
	}

	items, err := s.client.LRange(ctx, fmt.Sprintf(KeyUserTransactions, ownerID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	transactions := make([]*models.Transaction, 0, len(items))
	for _, item := range items {
		var tx models.Transaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			continue
		}
		transactions = append(transactions, &tx)
	}
	return transactions, nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, ownerID int64, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, ownerID, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func (s *RedisService) NextSequence(ctx context.Context, name string) (int64, error) {
	n, err := s.client.Incr(ctx, fmt.Sprintf(KeySequence, name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return n, nil
}

func (s *RedisService) SaveRoundRecord(ctx context.Context, rec *models.RoundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}
	return s.client.Set(ctx, fmt.Sprintf(KeyCrashRound, rec.RoundID), data, TTLCrashRound).Err()
}

func (s *RedisService) GetRoundRecord(ctx context.Context, roundID string) (*models.RoundRecord, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyCrashRound, roundID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: round %s", ErrRecordNotFound, roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round record: %w", err)
	}

	var rec models.RoundRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round record: %w", err)
	}
	return &rec, nil
}

func (s *RedisService) AppendHistory(ctx context.Context, crashPoint float64, size int) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, KeyCrashHistory, strconv.FormatFloat(crashPoint, 'f', 2, 64))
	pipe.LTrim(ctx, KeyCrashHistory, 0, int64(size-1))
	_, err := pipe.Exec(ctx)
	return err
}

// RecentHistory returns up to n crash points, oldest first.
func (s *RedisService) RecentHistory(ctx context.Context, n int) ([]float64, error) {
	items, err := s.client.LRange(ctx, KeyCrashHistory, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load crash history: %w", err)
	}

	history := make([]float64, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		v, err := strconv.ParseFloat(items[i], 64)
		if err != nil {
			continue
		}
		history = append(history, v)
	}
	return history, nil
}

func (s *RedisService) SaveMinesRecord(ctx context.Context, rec *models.MinesRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal mines record: %w", err)
	}
	return s.client.Set(ctx, fmt.Sprintf(KeyMinesSession, rec.SessionID), data, TTLMinesSession).Err()
}

func (s *RedisService) GetMinesRecord(ctx context.Context, sessionID string) (*models.MinesRecord, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyMinesSession, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: game %s", ErrRecordNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mines record: %w", err)
	}

	var rec models.MinesRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mines record: %w", err)
	}
	return &rec, nil
}

func (s *RedisService) SavePending(ctx context.Context, item *PendingCredit) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, KeyReconcilePending, item.Ref.ID, data).Err()
}

func (s *RedisService) DeletePending(ctx context.Context, refID string) error {
	return s.client.HDel(ctx, KeyReconcilePending, refID).Err()
}

func (s *RedisService) LoadPending(ctx context.Context) ([]*PendingCredit, error) {
	all, err := s.client.HGetAll(ctx, KeyReconcilePending).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending credits: %w", err)
	}

	items := make([]*PendingCredit, 0, len(all))
	for _, raw := range all {
		var item PendingCredit
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}
