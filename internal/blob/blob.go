// Package blob stores raw uploads and extracted text while a source is processed.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("blob not found")

// Store is an object store keyed by path-like names.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// RawKey is where the uploaded bytes of a source live.
func RawKey(tenantID, sourceID string) string {
	return fmt.Sprintf("tenants/%s/sources/%s/raw", tenantID, sourceID)
}

// TextKey is where the extracted text of a source lives.
func TextKey(tenantID, sourceID string) string {
	return fmt.Sprintf("tenants/%s/sources/%s/extracted.txt", tenantID, sourceID)
}

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Keys returns the stored keys, for inspection in tests and tooling.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
