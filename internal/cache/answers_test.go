package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("t1", "  What are your   HOURS? ")
	require.NoError(t, err)
	b, err := Fingerprint("t1", "what are your hours?")
	require.NoError(t, err)
	c, err := Fingerprint("t2", "what are your hours?")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b, "normalised queries share a fingerprint")
	assert.NotEqual(t, a, c, "tenants never share a fingerprint")
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeQuery("\tHello \n World  "))
	assert.Equal(t, "", NormalizeQuery("   "))
}

func TestAnswerCache_VersionBumpStrandsEntries(t *testing.T) {
	ctx := context.Background()
	versions := NewMemoryVersions()
	c := NewAnswerCache(NewMemoryBackend(nil), versions, time.Hour, nil)

	key, err := c.Key(ctx, "t1", "Opening hours?")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key, Entry{Answer: "9 to 5", SourceIDs: []string{"s1"}}))

	again, err := c.Key(ctx, "t1", "opening   hours?")
	require.NoError(t, err)
	e, ok, err := c.Get(ctx, again)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, &Entry{Answer: "9 to 5", SourceIDs: []string{"s1"}}, e)

	_, err = versions.Bump(ctx, "t1")
	require.NoError(t, err)

	bumped, err := c.Key(ctx, "t1", "Opening hours?")
	require.NoError(t, err)
	assert.NotEqual(t, key, bumped)
	_, ok, err = c.Get(ctx, bumped)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnswerCache_Disabled(t *testing.T) {
	ctx := context.Background()
	c := NewAnswerCache(NewMemoryBackend(nil), NewMemoryVersions(), 0, nil)
	assert.False(t, c.Enabled())

	key, err := c.Key(ctx, "t1", "q")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key, Entry{Answer: "a"}))
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	var nilCache *AnswerCache
	assert.False(t, nilCache.Enabled())
}

func TestMemoryBackend_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMemoryBackend(func() time.Time { return now })

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(time.Minute)
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryVersions(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVersions()

	cur, err := v.Current(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, cur)

	next, err := v.Bump(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	other, err := v.Current(ctx, "t2")
	require.NoError(t, err)
	assert.Zero(t, other)
}
