package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bull/ragdesk/internal/apperr"
)

// GormStore keeps sources in Postgres. The unique index on
// (tenant_id, kind, identity) backs the duplicate check, and a per-tenant
// advisory lock serialises cap checks with inserts.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Source{}); err != nil {
		return fmt.Errorf("migrate sources: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, src *Source, maxFiles int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "sources:"+src.TenantID).Error; err != nil {
			return err
		}

		var existing int64
		err := tx.Model(&Source{}).
			Where("tenant_id = ? AND kind = ? AND identity = ?", src.TenantID, src.Kind, src.Identity).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return duplicate(src.Kind, src.Identity)
		}

		if src.Kind == KindFile && maxFiles > 0 {
			var files int64
			err := tx.Model(&Source{}).
				Where("tenant_id = ? AND kind = ? AND status <> ?", src.TenantID, KindFile, StatusFailed).
				Count(&files).Error
			if err != nil {
				return err
			}
			if files >= int64(maxFiles) {
				return documentCap(maxFiles)
			}
		}

		return tx.Create(src).Error
	})
	switch {
	case err == nil:
		return nil
	case apperr.CategoryOf(err) != "":
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return duplicate(src.Kind, src.Identity)
	default:
		return apperr.Storage(fmt.Errorf("create source: %w", err))
	}
}

func (s *GormStore) Get(ctx context.Context, tenantID, id string) (*Source, error) {
	var src Source
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("get source: %w", err))
	}
	return &src, nil
}

func (s *GormStore) List(ctx context.Context, tenantID string) ([]*Source, error) {
	out := make([]*Source, 0)
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, apperr.Storage(fmt.Errorf("list sources: %w", err))
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, tenantID, id string, fn func(*Source) error) (*Source, error) {
	var src Source
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			First(&src).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		if err := fn(&src); err != nil {
			return err
		}
		return tx.Save(&src).Error
	})
	if err != nil {
		if apperr.CategoryOf(err) != "" || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, apperr.Storage(fmt.Errorf("update source: %w", err))
	}
	return &src, nil
}

func (s *GormStore) Delete(ctx context.Context, tenantID, id string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&Source{})
	if res.Error != nil {
		return apperr.Storage(fmt.Errorf("delete source: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}
