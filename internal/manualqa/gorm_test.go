//go:build integration

package manualqa

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	store := NewGormStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	s := NewService(store)
	tenant := uuid.NewString()

	created, err := s.Create(ctx, tenant, Input{Question: "Do you ship abroad?", Answer: "Yes, to the EU."})
	require.NoError(t, err)

	hit, err := s.Match(ctx, tenant, "do you ship ABROAD?")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, created.ID, hit.ID)
	assert.Equal(t, int64(1), hit.Frequency)

	miss, err := s.Match(ctx, tenant, "do you ship?")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, s.Delete(ctx, tenant, created.ID))
}
