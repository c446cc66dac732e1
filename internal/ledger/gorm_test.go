//go:build integration

package ledger

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupGormLedger(t *testing.T) *GormStore {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	if err := sqlDB.Ping(); err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	store := NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestGormStore_ReservationExclusivity(t *testing.T) {
	l := New(setupGormLedger(t), nil, nil, Config{}, nil)
	ctx := context.Background()
	tenant := uuid.NewString()

	_, err := l.Recharge(ctx, tenant, 500)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.CheckAndReserve(ctx, tenant, 500)
			if err != nil {
				return
			}
			accepted.Add(1)
			_, err = r.Settle(ctx, 800)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, bal)
}

func TestGormStore_SettleAndReleaseClearHolds(t *testing.T) {
	l := New(setupGormLedger(t), nil, nil, Config{}, nil)
	ctx := context.Background()
	tenant := uuid.NewString()

	_, err := l.Recharge(ctx, tenant, 1000)
	require.NoError(t, err)

	settled, err := l.CheckAndReserve(ctx, tenant, 300)
	require.NoError(t, err)
	released, err := l.CheckAndReserve(ctx, tenant, 400)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 1000, Held: 700}, bal)

	change, err := settled.Settle(ctx, 120)
	require.NoError(t, err)
	assert.Equal(t, Change{Pre: 1000, Post: 880}, change)

	require.NoError(t, released.Release(ctx))

	bal, err = l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 880, Held: 0}, bal)

	// A hold that is already gone leaves the account untouched.
	store := l.store
	require.NoError(t, store.Release(ctx, tenant, uuid.NewString()))
	bal, err = l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 880, Held: 0}, bal)
}

func TestGormStore_ConcurrentDeductClampsAtZero(t *testing.T) {
	l := New(setupGormLedger(t), nil, nil, Config{}, nil)
	ctx := context.Background()
	tenant := uuid.NewString()

	_, err := l.Recharge(ctx, tenant, 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			change, err := l.Deduct(ctx, tenant, 100)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, change.Post, int64(0))
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, bal)
}
