package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each tenant's account is a hash {balance, held} at ledger:{tenant}; open
// holds live in ledger:{tenant}:holds. The braces keep both keys in one
// cluster slot so scripts may touch them together.

var reserveScript = redis.NewScript(`
local bal = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
local held = tonumber(redis.call('HGET', KEYS[1], 'held') or '0')
local amount = tonumber(ARGV[2])
if bal <= 0 then
  return {-1, bal, held}
end
if bal - held < amount then
  return {-2, bal, held}
end
redis.call('HINCRBY', KEYS[1], 'held', amount)
redis.call('HSET', KEYS[2], ARGV[1], amount)
return {1, bal, held + amount}
`)

// settleScript drops hold ARGV[1] (an empty id matches nothing) and stores
// max(0, balance - ARGV[2]).
var settleScript = redis.NewScript(`
local amount = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if amount > 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('HINCRBY', KEYS[1], 'held', -amount)
end
local pre = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
local post = pre - tonumber(ARGV[2])
if post < 0 then
  post = 0
end
redis.call('HSET', KEYS[1], 'balance', post)
return {pre, post}
`)

var creditScript = redis.NewScript(`
local post = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
return {post - tonumber(ARGV[1]), post}
`)

// RedisStore shares balances between replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ledger"}
}

func (s *RedisStore) keys(tenantID string) []string {
	account := fmt.Sprintf("%s:{%s}", s.prefix, tenantID)
	return []string{account, account + ":holds"}
}

func (s *RedisStore) Reserve(ctx context.Context, tenantID, holdID string, amount int64) (Balance, error) {
	res, err := reserveScript.Run(ctx, s.client, s.keys(tenantID), holdID, amount).Int64Slice()
	if err != nil {
		return Balance{}, fmt.Errorf("reserve script: %w", err)
	}
	bal := Balance{Tokens: res[1], Held: res[2]}
	switch res[0] {
	case -1:
		return bal, ErrZeroBalance
	case -2:
		return bal, ErrInsufficientTokens
	}
	return bal, nil
}

func (s *RedisStore) Settle(ctx context.Context, tenantID, holdID string, cost int64) (Change, error) {
	return s.settle(ctx, tenantID, holdID, cost)
}

func (s *RedisStore) Release(ctx context.Context, tenantID, holdID string) error {
	_, err := s.settle(ctx, tenantID, holdID, 0)
	return err
}

func (s *RedisStore) Deduct(ctx context.Context, tenantID string, cost int64) (Change, error) {
	return s.settle(ctx, tenantID, "", cost)
}

func (s *RedisStore) settle(ctx context.Context, tenantID, holdID string, cost int64) (Change, error) {
	res, err := settleScript.Run(ctx, s.client, s.keys(tenantID), holdID, cost).Int64Slice()
	if err != nil {
		return Change{}, fmt.Errorf("settle script: %w", err)
	}
	return Change{Pre: res[0], Post: res[1]}, nil
}

func (s *RedisStore) Credit(ctx context.Context, tenantID string, amount int64) (Change, error) {
	res, err := creditScript.Run(ctx, s.client, s.keys(tenantID)[:1], amount).Int64Slice()
	if err != nil {
		return Change{}, fmt.Errorf("credit script: %w", err)
	}
	return Change{Pre: res[0], Post: res[1]}, nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID string) (Balance, error) {
	var out struct {
		Balance int64 `redis:"balance"`
		Held    int64 `redis:"held"`
	}
	if err := s.client.HMGet(ctx, s.keys(tenantID)[0], "balance", "held").Scan(&out); err != nil && !errors.Is(err, redis.Nil) {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	return Balance{Tokens: out.Balance, Held: out.Held}, nil
}

var allowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if n > tonumber(ARGV[1]) then
  return {0, n, ttl}
end
return {1, n, ttl}
`)

// RedisLimiter is a fixed window counter shared between replicas. The window
// starts at the first attempt and the key expires with it.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, tenantID string) (Decision, error) {
	key := fmt.Sprintf("ratelimit:{%s}", tenantID)
	res, err := allowScript.Run(ctx, l.client, []string{key}, l.limit, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	retryAfter := time.Duration(max(res[2], 0)) * time.Millisecond
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  max(l.limit-int(res[1]), 0),
		RetryAfter: retryAfter,
	}, nil
}
