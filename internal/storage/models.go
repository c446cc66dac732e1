package storage

import (
	"context"
	"fmt"
)

// DefaultCollection is the single Qdrant collection shared by all tenants.
const DefaultCollection = "knowledge"

// DefaultDimension is the embedding size for text-embedding-3-small.
const DefaultDimension = 1536

// Record pairs one chunk of a source with its embedding.
type Record struct {
	Index  int       // Position in the source (0, 1, 2...)
	Text   string    // Chunk text
	Vector []float32 // Embedding of Text
}

// Hit is a search result ranked by cosine similarity.
type Hit struct {
	TenantID string
	SourceID string
	Index    int
	Text     string
	Score    float64
}

// VectorStore holds tenant-scoped chunk embeddings.
//
// Store is all-or-nothing: after an error no record of the call is
// searchable. Search never returns records of another tenant.
type VectorStore interface {
	Store(ctx context.Context, tenantID, sourceID string, records []Record) error
	Search(ctx context.Context, tenantID string, query []float32, k int) ([]Hit, error)
	DeleteSource(ctx context.Context, tenantID, sourceID string) error
	Count(ctx context.Context, tenantID string) (int, error)
	Health(ctx context.Context) error
	Close() error
}

// validateRecords checks every vector against the store dimension.
func validateRecords(records []Record, dimension int) error {
	for i, r := range records {
		if len(r.Vector) != dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(r.Vector), dimension)
		}
	}
	return nil
}

func validateQuery(query []float32, dimension int) error {
	if len(query) != dimension {
		return fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(query), dimension)
	}
	return nil
}
