package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragdesk/internal/apperr"
)

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, balance int64) (*Ledger, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	l := New(NewMemoryStore(), nil, n, Config{}, nil)
	if balance > 0 {
		_, err := l.Recharge(context.Background(), "t1", balance)
		require.NoError(t, err)
	}
	return l, n
}

func TestCheckAndReserve_ZeroBalance(t *testing.T) {
	l, _ := newTestLedger(t, 0)

	_, err := l.CheckAndReserve(context.Background(), "t1", 500)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrZeroBalance)
	assert.Equal(t, apperr.CategoryQuotaExceeded, apperr.CategoryOf(err))
	assert.Equal(t, apperr.CodeZeroBalance, apperr.CodeOf(err))
	assert.Contains(t, apperr.HintOf(err), "Recharge")
}

func TestCheckAndReserve_Insufficient(t *testing.T) {
	l, _ := newTestLedger(t, 4000)

	_, err := l.CheckAndReserve(context.Background(), "t1", 5000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	assert.Equal(t, apperr.CodeInsufficientTokens, apperr.CodeOf(err))

	bal, err := l.Balance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 4000}, bal, "a rejected check changes nothing")
}

func TestReservation_HoldsUntilSettled(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	ctx := context.Background()

	r, err := l.CheckAndReserve(ctx, "t1", 600)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Tokens, "reserving does not deduct")
	assert.Equal(t, int64(400), bal.Available())

	_, err = l.CheckAndReserve(ctx, "t1", 600)
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	change, err := r.Settle(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, Change{Pre: 1000, Post: 750}, change)
	assert.Equal(t, int64(250), change.Charged())

	// Settling again is a no-op.
	change, err = r.Settle(ctx, 250)
	require.NoError(t, err)
	assert.Zero(t, change.Charged())
	require.NoError(t, r.Release(ctx))

	bal, err = l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 750}, bal)
}

func TestReservation_Release(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	ctx := context.Background()

	r, err := l.CheckAndReserve(ctx, "t1", 1000)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx))
	require.NoError(t, r.Release(ctx))

	change, err := r.Settle(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, change.Charged(), "release wins over a later settle")

	bal, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Balance{Tokens: 1000}, bal)
}

func TestSettle_ClampsAtZero(t *testing.T) {
	l, n := newTestLedger(t, 600)
	ctx := context.Background()

	r, err := l.CheckAndReserve(ctx, "t1", 500)
	require.NoError(t, err)
	change, err := r.Settle(ctx, 900)
	require.NoError(t, err)
	assert.Equal(t, Change{Pre: 600, Post: 0}, change)

	kinds := []NotificationKind{}
	for _, item := range n.all() {
		kinds = append(kinds, item.Kind)
	}
	assert.Equal(t, []NotificationKind{NotifyExhausted}, kinds)
}

func TestConcurrentReservationsOnlyOneFunded(t *testing.T) {
	l, _ := newTestLedger(t, 500)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.CheckAndReserve(ctx, "t1", 500); err == nil {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
}

func TestConcurrentDeductNeverNegative(t *testing.T) {
	l, _ := newTestLedger(t, 10000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			change, err := l.Deduct(ctx, "t1", 300)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, change.Post, int64(0))
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Tokens)
}

func TestConcurrentReserveAndSettleNeverOverspends(t *testing.T) {
	l, _ := newTestLedger(t, 5000)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		settled atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.CheckAndReserve(ctx, "t1", 500)
			if err != nil {
				return
			}
			change, err := r.Settle(ctx, 500)
			assert.NoError(t, err)
			settled.Add(change.Charged())
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000)-settled.Load(), bal.Tokens)
	assert.Equal(t, int64(5000), settled.Load())
	assert.Zero(t, bal.Held)
}

func TestThresholdEdgeTriggered(t *testing.T) {
	l, n := newTestLedger(t, 12000)
	ctx := context.Background()

	_, err := l.Deduct(ctx, "t1", 3000)
	require.NoError(t, err)
	require.Len(t, n.all(), 1)
	assert.Equal(t, Notification{TenantID: "t1", Kind: NotifyLowBalance, Threshold: 10000, Balance: 9000}, n.all()[0])

	_, err = l.Deduct(ctx, "t1", 1000)
	require.NoError(t, err)
	assert.Len(t, n.all(), 1, "9000 -> 8000 does not cross again")

	// Recharging above the threshold never notifies, but re-arms the crossing.
	_, err = l.Recharge(ctx, "t1", 5000)
	require.NoError(t, err)
	assert.Len(t, n.all(), 1)

	_, err = l.Deduct(ctx, "t1", 4000)
	require.NoError(t, err)
	assert.Len(t, n.all(), 2)
}

func TestThresholdExactBoundary(t *testing.T) {
	l, n := newTestLedger(t, 10000)
	ctx := context.Background()

	_, err := l.Deduct(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, n.all(), "staying at the threshold is not a crossing")

	_, err = l.Deduct(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, n.all(), 1)
}

func TestDeductToZeroFiresBoth(t *testing.T) {
	l, n := newTestLedger(t, 12000)

	_, err := l.Deduct(context.Background(), "t1", 20000)
	require.NoError(t, err)

	items := n.all()
	require.Len(t, items, 2)
	assert.Equal(t, NotifyLowBalance, items[0].Kind)
	assert.Equal(t, NotifyExhausted, items[1].Kind)

	_, err = l.Deduct(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Len(t, n.all(), 2, "already at zero")
}

func TestRecharge_Validation(t *testing.T) {
	l, _ := newTestLedger(t, 0)

	_, err := l.Recharge(context.Background(), "t1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	change, err := l.Recharge(context.Background(), "t1", 700)
	require.NoError(t, err)
	assert.Equal(t, Change{Pre: 0, Post: 700}, change)
}

func TestAllowBurst(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(5, time.Minute, clock.Now)
	l := New(NewMemoryStore(), limiter, nil, Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.AllowBurst(ctx, "t1"), "attempt %d", i+1)
		clock.Advance(time.Second)
	}

	err := l.AllowBurst(ctx, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, apperr.CodeRateLimitExceeded, apperr.CodeOf(err))
	assert.True(t, apperr.RetryableOf(err))
	assert.Contains(t, apperr.HintOf(err), "retry")

	assert.NoError(t, l.AllowBurst(ctx, "t2"), "tenants are independent")

	clock.Advance(55 * time.Second)
	assert.NoError(t, l.AllowBurst(ctx, "t1"), "a new window starts after 60s")
}

func TestMemoryLimiter_RetryAfter(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(1, time.Minute, clock.Now)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(20 * time.Second)
	d, err = limiter.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
}
