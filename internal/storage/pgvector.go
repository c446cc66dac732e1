package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vectorRow is one chunk embedding in Postgres.
type vectorRow struct {
	ID         string          `gorm:"primaryKey;type:uuid"`
	TenantID   string          `gorm:"size:64;not null;index:idx_knowledge_vectors_tenant_source,priority:1"`
	SourceID   string          `gorm:"size:64;not null;index:idx_knowledge_vectors_tenant_source,priority:2"`
	ChunkIndex int             `gorm:"not null"`
	Content    string          `gorm:"type:text;not null"`
	Embedding  pgvector.Vector `gorm:"type:vector"`
	CreatedAt  time.Time
}

func (vectorRow) TableName() string {
	return "knowledge_vectors"
}

// PgvectorStore keeps embeddings in Postgres with the pgvector extension.
// The HNSW index spans all tenants; Search scans it iteratively on pgvector
// 0.8+ and otherwise ranks the tenant's rows exactly.
type PgvectorStore struct {
	db        *gorm.DB
	dimension int
	iterative bool
}

// NewPgvectorStore wraps an open gorm connection.
func NewPgvectorStore(db *gorm.DB, dimension int) *PgvectorStore {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &PgvectorStore{db: db, dimension: dimension}
}

// Migrate creates the extension, the table and an HNSW cosine index.
func (s *PgvectorStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if err := db.AutoMigrate(&vectorRow{}); err != nil {
		return fmt.Errorf("migrate knowledge_vectors: %w", err)
	}
	stmts := []string{
		fmt.Sprintf("ALTER TABLE knowledge_vectors ALTER COLUMN embedding TYPE vector(%d)", s.dimension),
		"CREATE INDEX IF NOT EXISTS idx_knowledge_vectors_embedding ON knowledge_vectors USING hnsw (embedding vector_cosine_ops)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate knowledge_vectors: %w", err)
		}
	}

	var version string
	if err := db.Raw("SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version).Error; err != nil {
		return fmt.Errorf("read pgvector version: %w", err)
	}
	s.iterative = supportsIterativeScan(version)
	return nil
}

// supportsIterativeScan reports whether version is pgvector 0.8 or later.
func supportsIterativeScan(version string) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	return major > 0 || minor >= 8
}

// Store replaces the records of a source inside one transaction.
func (s *PgvectorStore) Store(ctx context.Context, tenantID, sourceID string, records []Record) error {
	if tenantID == "" {
		return fail(ErrMissingTenant)
	}
	if err := validateRecords(records, s.dimension); err != nil {
		return fail(err)
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]vectorRow, len(records))
	for i, r := range records {
		rows[i] = vectorRow{
			ID:         pointID(tenantID, sourceID, r.Index),
			TenantID:   tenantID,
			SourceID:   sourceID,
			ChunkIndex: r.Index,
			Content:    r.Text,
			Embedding:  pgvector.NewVector(r.Vector),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND source_id = ?", tenantID, sourceID).Delete(&vectorRow{}).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(rows, upsertBatchSize).Error
	})
	if err != nil {
		return fail(fmt.Errorf("store vectors: %w", err))
	}
	return nil
}

type scoredRow struct {
	SourceID   string
	ChunkIndex int
	Content    string
	Distance   float64
}

// Search orders the tenant's rows by cosine distance.
func (s *PgvectorStore) Search(ctx context.Context, tenantID string, query []float32, k int) ([]Hit, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, fail(err)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	vec := pgvector.NewVector(query)
	var (
		rows []scoredRow
		err  error
	)
	if s.iterative {
		rows, err = s.searchIterative(ctx, tenantID, vec, k)
	}
	// An iterative scan stops at hnsw.max_scan_tuples; a short page is
	// rechecked exactly.
	if err == nil && len(rows) < k {
		rows, err = s.searchExact(ctx, tenantID, vec, k)
	}
	if err != nil {
		return nil, fail(fmt.Errorf("search vectors: %w", err))
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{
			TenantID: tenantID,
			SourceID: r.SourceID,
			Index:    r.ChunkIndex,
			Text:     r.Content,
			Score:    1 - r.Distance,
		})
	}
	return hits, nil
}

// searchIterative uses the HNSW index, resuming the scan until k rows of the
// tenant are found.
func (s *PgvectorStore) searchIterative(ctx context.Context, tenantID string, vec pgvector.Vector, k int) ([]scoredRow, error) {
	var rows []scoredRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SET LOCAL hnsw.iterative_scan = strict_order").Error; err != nil {
			return err
		}
		return tx.Model(&vectorRow{}).
			Select("source_id, chunk_index, content, embedding <=> ? AS distance", vec).
			Where("tenant_id = ?", tenantID).
			Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}}).
			Limit(k).
			Scan(&rows).Error
	})
	return rows, err
}

// searchExact ranks every row of the tenant. The materialized CTE keeps the
// planner off the shared HNSW index.
func (s *PgvectorStore) searchExact(ctx context.Context, tenantID string, vec pgvector.Vector, k int) ([]scoredRow, error) {
	var rows []scoredRow
	err := s.db.WithContext(ctx).Raw(`WITH tenant_rows AS MATERIALIZED (
	SELECT source_id, chunk_index, content, embedding FROM knowledge_vectors WHERE tenant_id = ?
)
SELECT source_id, chunk_index, content, embedding <=> ? AS distance
FROM tenant_rows ORDER BY distance LIMIT ?`, tenantID, vec, k).Scan(&rows).Error
	return rows, err
}

func (s *PgvectorStore) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_id = ?", tenantID, sourceID).
		Delete(&vectorRow{}).Error
	if err != nil {
		return fail(fmt.Errorf("delete source vectors: %w", err))
	}
	return nil
}

func (s *PgvectorStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&vectorRow{}).Where("tenant_id = ?", tenantID).Count(&n).Error; err != nil {
		return 0, fail(fmt.Errorf("count vectors: %w", err))
	}
	return int(n), nil
}

func (s *PgvectorStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the gorm connection is shared and owned by the caller.
func (s *PgvectorStore) Close() error {
	return nil
}
