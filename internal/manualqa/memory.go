package manualqa

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.TenantID != tenantID {
		return nil, notFound(id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update replaces the editable fields, keeping the stored frequency.
func (m *MemoryStore) Update(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[e.ID]
	if !ok || cur.TenantID != e.TenantID {
		return notFound(e.ID)
	}
	cp := *e
	cp.Frequency = cur.Frequency
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.TenantID != tenantID {
		return notFound(id)
	}
	delete(m.entries, id)
	return nil
}

// IncrementMatch picks the oldest entry with the key when several exist.
func (m *MemoryStore) IncrementMatch(_ context.Context, tenantID, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hit *Entry
	for _, e := range m.entries {
		if e.TenantID != tenantID || e.MatchKey != key {
			continue
		}
		if hit == nil || e.CreatedAt.Before(hit.CreatedAt) ||
			(e.CreatedAt.Equal(hit.CreatedAt) && e.ID < hit.ID) {
			hit = e
		}
	}
	if hit == nil {
		return nil, ErrNotFound
	}
	hit.Frequency++
	cp := *hit
	return &cp, nil
}
