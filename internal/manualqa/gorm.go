package manualqa

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bull/ragdesk/internal/apperr"
)

// GormStore keeps entries in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("migrate manual_qa: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, e *Entry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return apperr.Storage(fmt.Errorf("create manual answer: %w", err))
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, tenantID, id string) (*Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("get manual answer: %w", err))
	}
	return &e, nil
}

func (s *GormStore) List(ctx context.Context, tenantID string) ([]*Entry, error) {
	out := make([]*Entry, 0)
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, apperr.Storage(fmt.Errorf("list manual answers: %w", err))
	}
	return out, nil
}

// Update writes the editable columns only, so concurrent frequency bumps survive.
func (s *GormStore) Update(ctx context.Context, e *Entry) error {
	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where("tenant_id = ? AND id = ?", e.TenantID, e.ID).
		Updates(map[string]any{
			"question":   e.Question,
			"match_key":  e.MatchKey,
			"answer":     e.Answer,
			"category":   e.Category,
			"updated_at": e.UpdatedAt,
		})
	if res.Error != nil {
		return apperr.Storage(fmt.Errorf("update manual answer: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return notFound(e.ID)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, tenantID, id string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&Entry{})
	if res.Error != nil {
		return apperr.Storage(fmt.Errorf("delete manual answer: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// IncrementMatch bumps the frequency of the oldest matching entry with a
// single UPDATE ... RETURNING.
func (s *GormStore) IncrementMatch(ctx context.Context, tenantID, key string) (*Entry, error) {
	var e Entry
	sub := s.db.Model(&Entry{}).Select("id").
		Where("tenant_id = ? AND match_key = ?", tenantID, key).
		Order("created_at, id").Limit(1)

	res := s.db.WithContext(ctx).Model(&e).
		Clauses(clause.Returning{}).
		Where("id = (?)", sub).
		UpdateColumn("frequency", gorm.Expr("frequency + 1"))
	if res.Error != nil {
		return nil, apperr.Storage(fmt.Errorf("match manual answer: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &e, nil
}
