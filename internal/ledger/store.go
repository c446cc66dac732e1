package ledger

import "context"

// Balance is a tenant's stored balance and the part held by open reservations.
type Balance struct {
	Tokens int64 `json:"tokens"`
	Held   int64 `json:"held"`
}

// Available is what new reservations may still claim.
func (b Balance) Available() int64 {
	return b.Tokens - b.Held
}

// Change is the balance before and after an atomic update.
type Change struct {
	Pre  int64
	Post int64
}

// Charged is the amount actually removed, which is below the requested cost
// when the deduction was clamped at zero.
func (c Change) Charged() int64 {
	return c.Pre - c.Post
}

// BalanceStore performs every balance mutation as one atomic step.
type BalanceStore interface {
	// Reserve holds amount under holdID. It returns ErrZeroBalance when the
	// balance is not positive and ErrInsufficientTokens when the unheld part
	// is smaller than amount; nothing changes in either case.
	Reserve(ctx context.Context, tenantID, holdID string, amount int64) (Balance, error)
	// Settle drops the hold (if still present) and stores max(0, balance-cost).
	Settle(ctx context.Context, tenantID, holdID string, cost int64) (Change, error)
	// Release drops the hold without deducting.
	Release(ctx context.Context, tenantID, holdID string) error
	// Deduct stores max(0, balance-cost) without a hold.
	Deduct(ctx context.Context, tenantID string, cost int64) (Change, error)
	// Credit adds amount to the balance.
	Credit(ctx context.Context, tenantID string, amount int64) (Change, error)
	Get(ctx context.Context, tenantID string) (Balance, error)
}
