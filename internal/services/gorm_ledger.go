package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"crash-mines-backend/internal/models"
)

type LedgerAccount struct {
	gorm.Model

	OwnerID     int64  `gorm:"uniqueIndex"`
	DisplayName string `gorm:"size:128"`
}

type LedgerBalance struct {
	ID        uint            `gorm:"primaryKey"`
	OwnerID   int64           `gorm:"uniqueIndex:idx_owner_currency"`
	Currency  string          `gorm:"size:8;uniqueIndex:idx_owner_currency"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	UpdatedAt time.Time
}

type LedgerEntry struct {
	ID           uint            `gorm:"primaryKey"`
	RefID        string          `gorm:"size:64;uniqueIndex"`
	OwnerID      int64           `gorm:"index"`
	Type         string          `gorm:"size:16;index"`
	Currency     string          `gorm:"size:8"`
	Delta        decimal.Decimal `gorm:"type:numeric(20,2)"`
	BalanceAfter decimal.Decimal `gorm:"type:numeric(20,2)"`
	GameType     string          `gorm:"size:16"`
	GameID       string          `gorm:"size:64;index"`
	Note         string          `gorm:"size:255"`
	CreatedAt    time.Time
}

// GormLedger is the SQL Ledger. Balance rows are locked FOR UPDATE on
// dialects that support it; the unique RefID index makes replays fail.
type GormLedger struct {
	db *gorm.DB
}

func OpenPostgresLedger(dsn string, autoMigrate bool) (*GormLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormLedger(db, autoMigrate)
}

func NewGormLedger(db *gorm.DB, autoMigrate bool) (*GormLedger, error) {
	if autoMigrate {
		if err := db.AutoMigrate(&LedgerAccount{}, &LedgerBalance{}, &LedgerEntry{}); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
		}
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) CreateUser(ctx context.Context, ownerID int64, displayName string) error {
	account := LedgerAccount{OwnerID: ownerID, DisplayName: displayName}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).
		Create(&account).Error
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (l *GormLedger) UserExists(ctx context.Context, ownerID int64) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&LedgerAccount{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return count > 0, nil
}

func (l *GormLedger) GetBalance(ctx context.Context, ownerID int64, currency models.Currency) (decimal.Decimal, error) {
	exists, err := l.UserExists(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ErrUnknownOwner
	}

	var bal LedgerBalance
	err = l.db.WithContext(ctx).Where("owner_id = ? AND currency = ?", ownerID, string(currency)).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal.Amount, nil
}

func (l *GormLedger) AdjustBalance(ctx context.Context, ownerID int64, currency models.Currency, delta decimal.Decimal, ref models.LedgerRef) (decimal.Decimal, error) {
	if ref.ID == "" {
		ref.ID = models.GenerateTransactionID()
	}
	if _, err := toCents(delta); err != nil {
		return decimal.Zero, err
	}
	delta = delta.Truncate(2)

	var balanceAfter decimal.Decimal
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account LedgerAccount
		if err := tx.Where("owner_id = ?", ownerID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownOwner
			}
			return err
		}

		var seen int64
		if err := tx.Model(&LedgerEntry{}).Where("ref_id = ?", ref.ID).Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return ErrDuplicateReference
		}

		seed := LedgerBalance{OwnerID: ownerID, Currency: string(currency)}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var bal LedgerBalance
		if err := l.lockForUpdate(tx).
			Where("owner_id = ? AND currency = ?", ownerID, string(currency)).
			First(&bal).Error; err != nil {
			return err
		}

		updated := bal.Amount.Add(delta)
		if updated.IsNegative() {
			return ErrInsufficientFunds
		}

		if err := tx.Model(&LedgerBalance{}).Where("id = ?", bal.ID).
			Updates(map[string]interface{}{"amount": updated, "updated_at": time.Now()}).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			RefID:        ref.ID,
			OwnerID:      ownerID,
			Type:         string(ref.Type),
			Currency:     string(currency),
			Delta:        delta,
			BalanceAfter: updated,
			GameType:     string(ref.GameType),
			GameID:       ref.GameID,
			Note:         ref.Description,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return err
		}

		balanceAfter = updated
		return nil
	})

	switch {
	case err == nil:
		return balanceAfter, nil
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrUnknownOwner), errors.Is(err, ErrDuplicateReference):
		return decimal.Zero, err
	default:
		return decimal.Zero, fmt.Errorf("ledger adjust failed: %w", err)
	}
}

func (l *GormLedger) GetUserTransactions(ctx context.Context, ownerID int64, limit int64) ([]*models.Transaction, error) {
	if limit <= 0 || limit > MaxUserTransactions {
		limit = 50
	}

	var entries []LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Limit(int(limit)).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	out := make([]*models.Transaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, &models.Transaction{
			ID:           e.RefID,
			UserID:       e.OwnerID,
			Type:         models.TransactionType(e.Type),
			Currency:     models.Currency(e.Currency),
			Amount:       e.Delta,
			BalanceAfter: e.BalanceAfter,
			GameType:     models.GameType(e.GameType),
			GameID:       e.GameID,
			Description:  e.Note,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out, nil
}

// SQLite has no row locks; its writes are already serialized.
func (l *GormLedger) lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
