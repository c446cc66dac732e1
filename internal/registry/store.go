package registry

import (
	"context"
	"sort"
	"sync"
)

// Store persists sources. Create must check identity uniqueness and the file
// cap atomically with the insert.
type Store interface {
	Create(ctx context.Context, src *Source, maxFiles int) error
	Get(ctx context.Context, tenantID, id string) (*Source, error)
	List(ctx context.Context, tenantID string) ([]*Source, error)
	// Update applies fn to the stored source under a lock and persists the result.
	Update(ctx context.Context, tenantID, id string, fn func(*Source) error) (*Source, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// MemoryStore keeps sources in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	sources map[string]*Source
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sources: make(map[string]*Source)}
}

func (m *MemoryStore) Create(_ context.Context, src *Source, maxFiles int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := 0
	for _, s := range m.sources {
		if s.TenantID != src.TenantID {
			continue
		}
		if s.Kind == src.Kind && s.Identity == src.Identity {
			return duplicate(src.Kind, src.Identity)
		}
		if s.countsTowardCap() {
			files++
		}
	}
	if src.Kind == KindFile && maxFiles > 0 && files >= maxFiles {
		return documentCap(maxFiles)
	}

	cp := *src
	m.sources[src.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok || s.TenantID != tenantID {
		return nil, notFound(id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Source, 0)
	for _, s := range m.sources {
		if s.TenantID == tenantID {
			cp := *s
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

func (m *MemoryStore) Update(_ context.Context, tenantID, id string, fn func(*Source) error) (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok || s.TenantID != tenantID {
		return nil, notFound(id)
	}
	cp := *s
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.sources[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok || s.TenantID != tenantID {
		return notFound(id)
	}
	delete(m.sources, id)
	return nil
}
