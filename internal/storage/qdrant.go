package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const (
	fieldTenant = "tenant_id"
	fieldSource = "source_id"
	fieldIndex  = "chunk_index"
	fieldText   = "text"

	upsertBatchSize   = 100
	singleUpsertLimit = 500
)

// pointNamespace seeds deterministic point ids so a retried upsert overwrites
// instead of duplicating.
var pointNamespace = uuid.MustParse("8f1d3b2e-6c4a-4b7e-9a51-2f0c7d9e4a10")

// QdrantConfig locates the Qdrant server and collection.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int
}

// QdrantStore keeps every tenant in one collection. The tenant_id payload
// field is a tenant index, so HNSW graphs are built per tenant and filtered
// search never crosses tenants.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantStore creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	store := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}

	if err := store.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	return store, nil
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// healthCheckWithRetry performs health check with exponential backoff.
func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(newBackoff(), ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}

	return nil
}

// EnsureCollection creates the collection and its payload indexes.
// Global HNSW is disabled (m=0) in favour of per-tenant graphs (payload_m=16).
// Idempotent - safe to call multiple times.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:        qdrant.PtrOf(uint64(0)),
			PayloadM: qdrant.PtrOf(uint64(16)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	return nil
}

// createPayloadIndexes indexes the tenant (as a tenant index) and source fields.
func (s *QdrantStore) createPayloadIndexes(ctx context.Context) error {
	indexes := []struct {
		field  string
		params *qdrant.PayloadIndexParams
	}{
		{fieldTenant, qdrant.NewPayloadIndexParamsKeyword(&qdrant.KeywordIndexParams{IsTenant: qdrant.PtrOf(true)})},
		{fieldSource, qdrant.NewPayloadIndexParamsKeyword(&qdrant.KeywordIndexParams{})},
	}

	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName:   s.collection,
			FieldName:        idx.field,
			FieldType:        qdrant.FieldType_FieldTypeKeyword.Enum(),
			FieldIndexParams: idx.params,
			Wait:             qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", idx.field, err)
		}
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (s *QdrantStore) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(newBackoff(), ctx))
}

// Store upserts the records of a source. Sources up to singleUpsertLimit
// points go out in one request; larger ones are split into batches and are
// partially searchable until the last batch lands. If any request fails,
// every point of the source is deleted again.
func (s *QdrantStore) Store(ctx context.Context, tenantID, sourceID string, records []Record) error {
	if tenantID == "" {
		return fail(ErrMissingTenant)
	}
	if err := validateRecords(records, s.dimension); err != nil {
		return fail(err)
	}

	for _, b := range upsertBatches(len(records)) {
		i, end := b[0], b[1]

		points := make([]*qdrant.PointStruct, 0, end-i)
		for _, r := range records[i:end] {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(tenantID, sourceID, r.Index)),
				Vectors: qdrant.NewVectors(r.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					fieldTenant: tenantID,
					fieldSource: sourceID,
					fieldIndex:  r.Index,
					fieldText:   r.Text,
				}),
			})
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			// Roll back on a fresh context: ctx may be the reason we failed.
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if delErr := s.DeleteSource(cleanupCtx, tenantID, sourceID); delErr != nil {
				return fail(fmt.Errorf("failed to upsert batch %d-%d: %w (rollback: %v)", i, end, err, delErr))
			}
			return fail(fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err))
		}
	}
	return nil
}

// upsertBatches splits n points into [start, end) ranges.
func upsertBatches(n int) [][2]int {
	if n == 0 {
		return nil
	}
	if n <= singleUpsertLimit {
		return [][2]int{{0, n}}
	}
	batches := make([][2]int, 0, (n+upsertBatchSize-1)/upsertBatchSize)
	for i := 0; i < n; i += upsertBatchSize {
		batches = append(batches, [2]int{i, min(i+upsertBatchSize, n)})
	}
	return batches
}

// Search runs a filtered query inside the tenant's partition.
func (s *QdrantStore) Search(ctx context.Context, tenantID string, query []float32, k int) ([]Hit, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, fail(err)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         tenantFilter(tenantID),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fail(fmt.Errorf("failed to search vectors: %w", err))
	}

	hits := make([]Hit, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		hits = append(hits, Hit{
			TenantID: payload[fieldTenant].GetStringValue(),
			SourceID: payload[fieldSource].GetStringValue(),
			Index:    int(payload[fieldIndex].GetIntegerValue()),
			Text:     payload[fieldText].GetStringValue(),
			Score:    float64(result.Score),
		})
	}
	return hits, nil
}

// DeleteSource removes every point of a source.
func (s *QdrantStore) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	filter := tenantFilter(tenantID)
	filter.Must = append(filter.Must, qdrant.NewMatch(fieldSource, sourceID))

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to delete source vectors: %w", err))
	}
	return nil
}

// Count returns the exact number of points stored for a tenant.
func (s *QdrantStore) Count(ctx context.Context, tenantID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         tenantFilter(tenantID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fail(fmt.Errorf("failed to count vectors: %w", err))
	}
	return int(n), nil
}

func tenantFilter(tenantID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(fieldTenant, tenantID),
		},
	}
}

func pointID(tenantID, sourceID string, index int) string {
	return uuid.NewSHA1(pointNamespace, []byte(tenantID+"/"+sourceID+"/"+strconv.Itoa(index))).String()
}
