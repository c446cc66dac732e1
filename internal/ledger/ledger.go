// Package ledger meters token usage per tenant: balances with reservations,
// edge-triggered low balance notifications and a burst rate limiter.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bull/ragdesk/internal/apperr"
)

const (
	DefaultLowBalanceThreshold = 10000
	DefaultBurstLimit          = 5
	DefaultBurstWindow         = 60 * time.Second
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts attempts per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (Decision, error)
}

// NotificationKind says which threshold was crossed.
type NotificationKind string

const (
	NotifyLowBalance NotificationKind = "low_balance"
	NotifyExhausted  NotificationKind = "exhausted"
)

// Notification reports a downward threshold crossing.
type Notification struct {
	TenantID  string
	Kind      NotificationKind
	Threshold int64
	Balance   int64
}

// Notifier delivers threshold notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// SlogNotifier logs notifications.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (s SlogNotifier) Notify(_ context.Context, n Notification) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("balance threshold crossed",
		"tenant", n.TenantID, "kind", n.Kind, "threshold", n.Threshold, "balance", n.Balance)
}

// Config tunes a Ledger. Zero values fall back to the defaults.
type Config struct {
	LowBalanceThreshold int64
	BurstLimit          int
	BurstWindow         time.Duration
}

// Ledger gates costly operations on balance and rate.
type Ledger struct {
	store     BalanceStore
	limiter   Limiter
	notifier  Notifier
	threshold int64
	logger    *slog.Logger
}

// New creates a ledger. A nil limiter gets an in-memory fixed window limiter,
// a nil notifier logs through logger, and a nil logger uses slog.Default().
func New(store BalanceStore, limiter Limiter, notifier Notifier, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LowBalanceThreshold <= 0 {
		cfg.LowBalanceThreshold = DefaultLowBalanceThreshold
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = DefaultBurstLimit
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(cfg.BurstLimit, cfg.BurstWindow, nil)
	}
	if notifier == nil {
		notifier = SlogNotifier{Logger: logger}
	}
	return &Ledger{
		store:     store,
		limiter:   limiter,
		notifier:  notifier,
		threshold: cfg.LowBalanceThreshold,
		logger:    logger,
	}
}

// AllowBurst records a chat attempt and rejects it when the tenant's window
// is full. Rejection has no balance impact.
func (l *Ledger) AllowBurst(ctx context.Context, tenantID string) error {
	d, err := l.limiter.Allow(ctx, tenantID)
	if err != nil {
		return apperr.Storage(fmt.Errorf("rate limiter: %w", err))
	}
	if !d.Allowed {
		l.logger.Debug("burst rejected", "tenant", tenantID, "retry_after", d.RetryAfter)
		return rateLimited(tenantID, d.RetryAfter)
	}
	return nil
}

// CheckAndReserve verifies the tenant can afford estimatedCost and holds it
// until the returned reservation is settled or released. Concurrent
// reservations never hold more than the balance.
func (l *Ledger) CheckAndReserve(ctx context.Context, tenantID string, estimatedCost int64) (*Reservation, error) {
	if estimatedCost < 0 {
		return nil, apperr.Validation("estimated cost must not be negative")
	}
	id := uuid.NewString()
	bal, err := l.store.Reserve(ctx, tenantID, id, estimatedCost)
	switch {
	case errors.Is(err, ErrZeroBalance):
		return nil, zeroBalance(tenantID)
	case errors.Is(err, ErrInsufficientTokens):
		return nil, insufficient(tenantID, bal.Available(), estimatedCost)
	case err != nil:
		return nil, apperr.Storage(fmt.Errorf("reserve tokens: %w", err))
	}
	return &Reservation{ledger: l, tenantID: tenantID, id: id, amount: estimatedCost}, nil
}

// Deduct removes cost from the balance, clamping at zero.
func (l *Ledger) Deduct(ctx context.Context, tenantID string, cost int64) (Change, error) {
	if cost < 0 {
		return Change{}, apperr.Validation("cost must not be negative")
	}
	change, err := l.store.Deduct(ctx, tenantID, cost)
	if err != nil {
		return Change{}, apperr.Storage(fmt.Errorf("deduct tokens: %w", err))
	}
	l.notifyCrossings(ctx, tenantID, change)
	return change, nil
}

// Recharge credits tokens. Upward crossings never notify.
func (l *Ledger) Recharge(ctx context.Context, tenantID string, tokens int64) (Change, error) {
	if tenantID == "" {
		return Change{}, apperr.Validation("tenant id is required")
	}
	if tokens <= 0 {
		return Change{}, apperr.Wrap(fmt.Errorf("%w: %d", ErrInvalidAmount, tokens),
			apperr.CategoryValidation, apperr.CodeInvalidInput, "", false)
	}
	change, err := l.store.Credit(ctx, tenantID, tokens)
	if err != nil {
		return Change{}, apperr.Storage(fmt.Errorf("credit tokens: %w", err))
	}
	l.logger.Info("balance recharged", "tenant", tenantID, "tokens", tokens, "balance", change.Post)
	return change, nil
}

func (l *Ledger) Balance(ctx context.Context, tenantID string) (Balance, error) {
	b, err := l.store.Get(ctx, tenantID)
	if err != nil {
		return Balance{}, apperr.Storage(fmt.Errorf("read balance: %w", err))
	}
	return b, nil
}

// notifyCrossings fires once per threshold the change crossed downwards.
func (l *Ledger) notifyCrossings(ctx context.Context, tenantID string, c Change) {
	if c.Pre >= l.threshold && c.Post < l.threshold {
		l.notifier.Notify(ctx, Notification{TenantID: tenantID, Kind: NotifyLowBalance, Threshold: l.threshold, Balance: c.Post})
	}
	if c.Pre > 0 && c.Post == 0 {
		l.notifier.Notify(ctx, Notification{TenantID: tenantID, Kind: NotifyExhausted, Threshold: 0, Balance: c.Post})
	}
}

// Reservation is a hold on a tenant's balance. The first Settle or Release
// wins; later calls are no-ops.
type Reservation struct {
	ledger   *Ledger
	tenantID string
	id       string
	amount   int64

	mu   sync.Mutex
	done bool
}

// Amount is the held estimate.
func (r *Reservation) Amount() int64 {
	return r.amount
}

// Settle releases the hold and deducts actualCost in one step, clamping at
// zero. It returns the change applied.
func (r *Reservation) Settle(ctx context.Context, actualCost int64) (Change, error) {
	if actualCost < 0 {
		actualCost = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return Change{}, nil
	}

	change, err := r.ledger.store.Settle(ctx, r.tenantID, r.id, actualCost)
	if err != nil {
		return Change{}, apperr.Storage(fmt.Errorf("settle reservation: %w", err))
	}
	r.done = true
	r.ledger.notifyCrossings(ctx, r.tenantID, change)
	return change, nil
}

// Release drops the hold without deducting.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	if err := r.ledger.store.Release(ctx, r.tenantID, r.id); err != nil {
		return apperr.Storage(fmt.Errorf("release reservation: %w", err))
	}
	r.done = true
	return nil
}
