package storage

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an exact in-process vector store partitioned by tenant.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	tenants   map[string]map[string][]Record // tenant -> source -> records
}

// NewMemoryStore creates an empty store for vectors of the given dimension.
func NewMemoryStore(dimension int) *MemoryStore {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &MemoryStore{
		dimension: dimension,
		tenants:   make(map[string]map[string][]Record),
	}
}

// Store replaces the records of a source in one step.
func (s *MemoryStore) Store(_ context.Context, tenantID, sourceID string, records []Record) error {
	if tenantID == "" {
		return fail(ErrMissingTenant)
	}
	if err := validateRecords(records, s.dimension); err != nil {
		return fail(err)
	}
	if len(records) == 0 {
		return nil
	}

	owned := make([]Record, len(records))
	for i, r := range records {
		owned[i] = Record{Index: r.Index, Text: r.Text, Vector: append([]float32(nil), r.Vector...)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sources, ok := s.tenants[tenantID]
	if !ok {
		sources = make(map[string][]Record)
		s.tenants[tenantID] = sources
	}
	sources[sourceID] = owned
	return nil
}

// Search ranks the tenant's records by cosine similarity. Ties are broken by
// source id and index so results are stable.
func (s *MemoryStore) Search(_ context.Context, tenantID string, query []float32, k int) ([]Hit, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, fail(err)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	s.mu.RLock()
	hits := make([]Hit, 0)
	for sourceID, records := range s.tenants[tenantID] {
		for _, r := range records {
			hits = append(hits, Hit{
				TenantID: tenantID,
				SourceID: sourceID,
				Index:    r.Index,
				Text:     r.Text,
				Score:    cosine(query, r.Vector),
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].SourceID != hits[j].SourceID {
			return hits[i].SourceID < hits[j].SourceID
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteSource(_ context.Context, tenantID, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sources, ok := s.tenants[tenantID]; ok {
		delete(sources, sourceID)
		if len(sources) == 0 {
			delete(s.tenants, tenantID)
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, records := range s.tenants[tenantID] {
		n += len(records)
	}
	return n, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
