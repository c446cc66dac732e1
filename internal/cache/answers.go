// Package cache stores generated answers keyed by tenant, normalised query
// and knowledge version.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

// Entry is a cached answer.
type Entry struct {
	Answer    string   `json:"answer"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Backend stores opaque values with a time to live.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// AnswerCache resolves keys against the current knowledge version. A zero
// TTL disables it.
type AnswerCache struct {
	backend  Backend
	versions Versions
	ttl      time.Duration
	logger   *slog.Logger
}

func NewAnswerCache(backend Backend, versions Versions, ttl time.Duration, logger *slog.Logger) *AnswerCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerCache{backend: backend, versions: versions, ttl: ttl, logger: logger}
}

// Enabled reports whether answers are cached at all.
func (c *AnswerCache) Enabled() bool {
	return c != nil && c.ttl > 0 && c.backend != nil
}

// Key returns the cache key for query under the tenant's current knowledge
// version. Callers hold on to the key between lookup and store so an answer
// generated before a version bump is never filed under the new version.
func (c *AnswerCache) Key(ctx context.Context, tenantID, query string) (string, error) {
	version, err := c.versions.Current(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("read knowledge version: %w", err)
	}
	fp, err := Fingerprint(tenantID, query)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("answer:{%s}:%s:v%d", tenantID, fp, version), nil
}

func (c *AnswerCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *AnswerCache) Put(ctx context.Context, key string, e Entry) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.backend.Set(ctx, key, raw, c.ttl)
}

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// Fingerprint is the hex SHA-256 of the canonical JSON form of the tenant and
// normalised query.
func Fingerprint(tenantID, query string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"tenant": tenantID,
		"query":  NormalizeQuery(query),
	})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryBackend expires entries lazily on read.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryBackend creates an in-process backend. A nil clock uses time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{items: make(map[string]memoryItem), now: now}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(item.expires) {
		delete(m.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: value, expires: m.now().Add(ttl)}
	return nil
}

type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}
