package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Versions tracks a per-tenant knowledge version. Every change to a tenant's
// indexed knowledge bumps it, which strands answers cached under the old one.
type Versions interface {
	Current(ctx context.Context, tenantID string) (int64, error)
	Bump(ctx context.Context, tenantID string) (int64, error)
}

type MemoryVersions struct {
	mu       sync.Mutex
	versions map[string]int64
}

func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]int64)}
}

func (m *MemoryVersions) Current(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[tenantID], nil
}

func (m *MemoryVersions) Bump(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[tenantID]++
	return m.versions[tenantID], nil
}

// RedisVersions keeps versions in plain counters so every replica agrees.
type RedisVersions struct {
	client redis.UniversalClient
}

func NewRedisVersions(client redis.UniversalClient) *RedisVersions {
	return &RedisVersions{client: client}
}

func versionKey(tenantID string) string {
	return "knowledge:{" + tenantID + "}:version"
}

func (r *RedisVersions) Current(ctx context.Context, tenantID string) (int64, error) {
	v, err := r.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *RedisVersions) Bump(ctx context.Context, tenantID string) (int64, error) {
	return r.client.Incr(ctx, versionKey(tenantID)).Result()
}
