//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	tenant := uuid.NewString()
	versions := NewRedisVersions(client)
	c := NewAnswerCache(NewRedisBackend(client), versions, time.Minute, nil)

	key, err := c.Key(ctx, tenant, "hours?")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key, Entry{Answer: "9 to 5"}))

	e, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9 to 5", e.Answer)

	v, err := versions.Bump(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	key2, err := c.Key(ctx, tenant, "hours?")
	require.NoError(t, err)
	_, ok, err = c.Get(ctx, key2)
	require.NoError(t, err)
	assert.False(t, ok)
}
