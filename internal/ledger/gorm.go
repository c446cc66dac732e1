package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type accountRow struct {
	TenantID  string `gorm:"primaryKey;size:64"`
	Balance   int64  `gorm:"not null;default:0"`
	Held      int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (accountRow) TableName() string {
	return "ledger_accounts"
}

type holdRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	TenantID  string `gorm:"size:64;not null;index"`
	Amount    int64  `gorm:"not null"`
	CreatedAt time.Time
}

func (holdRow) TableName() string {
	return "ledger_holds"
}

// GormStore keeps balances in Postgres. Each mutation locks the tenant's
// account row for the length of its transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&accountRow{}, &holdRow{}); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// withAccount runs fn with the tenant's account row locked, creating it on
// first use.
func (s *GormStore) withAccount(ctx context.Context, tenantID string, fn func(tx *gorm.DB, acc *accountRow) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&accountRow{TenantID: tenantID, UpdatedAt: time.Now().UTC()}).Error
		if err != nil {
			return err
		}

		var acc accountRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", tenantID).First(&acc).Error; err != nil {
			return err
		}
		return fn(tx, &acc)
	})
}

func (s *GormStore) Reserve(ctx context.Context, tenantID, holdID string, amount int64) (Balance, error) {
	var bal Balance
	err := s.withAccount(ctx, tenantID, func(tx *gorm.DB, acc *accountRow) error {
		bal = Balance{Tokens: acc.Balance, Held: acc.Held}
		if acc.Balance <= 0 {
			return ErrZeroBalance
		}
		if acc.Balance-acc.Held < amount {
			return ErrInsufficientTokens
		}
		if err := tx.Create(&holdRow{ID: holdID, TenantID: tenantID, Amount: amount}).Error; err != nil {
			return err
		}
		acc.Held += amount
		bal.Held = acc.Held
		return s.save(tx, acc)
	})
	return bal, err
}

func (s *GormStore) Settle(ctx context.Context, tenantID, holdID string, cost int64) (Change, error) {
	var change Change
	err := s.withAccount(ctx, tenantID, func(tx *gorm.DB, acc *accountRow) error {
		if err := s.dropHold(tx, acc, holdID); err != nil {
			return err
		}
		change = Change{Pre: acc.Balance, Post: max(0, acc.Balance-cost)}
		acc.Balance = change.Post
		return s.save(tx, acc)
	})
	return change, err
}

func (s *GormStore) Release(ctx context.Context, tenantID, holdID string) error {
	return s.withAccount(ctx, tenantID, func(tx *gorm.DB, acc *accountRow) error {
		if err := s.dropHold(tx, acc, holdID); err != nil {
			return err
		}
		return s.save(tx, acc)
	})
}

func (s *GormStore) Deduct(ctx context.Context, tenantID string, cost int64) (Change, error) {
	var change Change
	err := s.withAccount(ctx, tenantID, func(tx *gorm.DB, acc *accountRow) error {
		change = Change{Pre: acc.Balance, Post: max(0, acc.Balance-cost)}
		acc.Balance = change.Post
		return s.save(tx, acc)
	})
	return change, err
}

func (s *GormStore) Credit(ctx context.Context, tenantID string, amount int64) (Change, error) {
	var change Change
	err := s.withAccount(ctx, tenantID, func(tx *gorm.DB, acc *accountRow) error {
		change = Change{Pre: acc.Balance, Post: acc.Balance + amount}
		acc.Balance = change.Post
		return s.save(tx, acc)
	})
	return change, err
}

func (s *GormStore) Get(ctx context.Context, tenantID string) (Balance, error) {
	var acc accountRow
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{Tokens: acc.Balance, Held: acc.Held}, nil
}

// dropHold deletes the hold and returns its amount to the account. A hold
// already settled or released is a no-op.
func (s *GormStore) dropHold(tx *gorm.DB, acc *accountRow, holdID string) error {
	var hold holdRow
	err := tx.Where("id = ? AND tenant_id = ?", holdID, acc.TenantID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(&holdRow{}, "id = ?", hold.ID).Error; err != nil {
		return err
	}
	acc.Held = max(0, acc.Held-hold.Amount)
	return nil
}

func (s *GormStore) save(tx *gorm.DB, acc *accountRow) error {
	acc.UpdatedAt = time.Now().UTC()
	return tx.Model(acc).
		Where("tenant_id = ?", acc.TenantID).
		Updates(map[string]any{"balance": acc.Balance, "held": acc.Held, "updated_at": acc.UpdatedAt}).Error
}
