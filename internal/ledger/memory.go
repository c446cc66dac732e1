package ledger

import (
	"context"
	"sync"
	"time"
)

type account struct {
	balance int64
	held    int64
	holds   map[string]int64
}

// MemoryStore keeps balances in process memory. A single mutex serialises
// every mutation.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (m *MemoryStore) account(tenantID string) *account {
	a, ok := m.accounts[tenantID]
	if !ok {
		a = &account{holds: make(map[string]int64)}
		m.accounts[tenantID] = a
	}
	return a
}

func (m *MemoryStore) Reserve(_ context.Context, tenantID, holdID string, amount int64) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(tenantID)
	if a.balance <= 0 {
		return Balance{Tokens: a.balance, Held: a.held}, ErrZeroBalance
	}
	if a.balance-a.held < amount {
		return Balance{Tokens: a.balance, Held: a.held}, ErrInsufficientTokens
	}
	a.holds[holdID] = amount
	a.held += amount
	return Balance{Tokens: a.balance, Held: a.held}, nil
}

func (m *MemoryStore) Settle(_ context.Context, tenantID, holdID string, cost int64) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(tenantID)
	a.release(holdID)
	return a.deduct(cost), nil
}

func (m *MemoryStore) Release(_ context.Context, tenantID, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(tenantID).release(holdID)
	return nil
}

func (m *MemoryStore) Deduct(_ context.Context, tenantID string, cost int64) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(tenantID).deduct(cost), nil
}

func (m *MemoryStore) Credit(_ context.Context, tenantID string, amount int64) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(tenantID)
	pre := a.balance
	a.balance += amount
	return Change{Pre: pre, Post: a.balance}, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[tenantID]
	if !ok {
		return Balance{}, nil
	}
	return Balance{Tokens: a.balance, Held: a.held}, nil
}

func (a *account) release(holdID string) {
	if amt, ok := a.holds[holdID]; ok {
		delete(a.holds, holdID)
		a.held -= amt
	}
}

func (a *account) deduct(cost int64) Change {
	pre := a.balance
	a.balance = max(0, a.balance-cost)
	return Change{Pre: pre, Post: a.balance}
}

// MemoryLimiter is a per-tenant fixed window counter in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter allows limit attempts per window. A nil clock uses time.Now.
func NewMemoryLimiter(limit int, window time.Duration, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*fixedWindow),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, tenantID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[tenantID]
	if !ok || now.Sub(w.start) >= l.window {
		w = &fixedWindow{start: now}
		l.windows[tenantID] = w
	}
	retryAfter := w.start.Add(l.window).Sub(now)
	if w.count >= l.limit {
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: l.limit - w.count, RetryAfter: retryAfter}, nil
}
