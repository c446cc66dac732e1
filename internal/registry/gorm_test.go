//go:build integration

package registry

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bull/ragdesk/internal/apperr"
)

func setupGormStore(t *testing.T) *GormStore {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	store := NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestGormStore_Lifecycle(t *testing.T) {
	r := New(setupGormStore(t), WithMaxFiles(1))
	ctx := context.Background()
	tenant := uuid.NewString()

	src, err := r.BeginIngestion(ctx, tenant, KindFile, "a.txt", 10)
	require.NoError(t, err)

	_, err = r.BeginIngestion(ctx, tenant, KindFile, "a.txt", 10)
	assert.Equal(t, apperr.CategoryConflict, apperr.CategoryOf(err))

	_, err = r.BeginIngestion(ctx, tenant, KindFile, "b.txt", 10)
	assert.Equal(t, apperr.CodeDocumentCap, apperr.CodeOf(err))

	_, err = r.MarkProcessing(ctx, tenant, src.ID)
	require.NoError(t, err)
	_, err = r.MarkIndexed(ctx, tenant, src.ID, 4)
	require.NoError(t, err)
	_, err = r.MarkFailed(ctx, tenant, src.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(ctx, tenant, src.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, got.Status)
	assert.Equal(t, 4, got.ChunkCount)

	require.NoError(t, r.Delete(ctx, tenant, src.ID))
	_, err = r.Get(ctx, tenant, src.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
