// Package indexer turns uploaded files and website pages into searchable
// knowledge: extraction, chunking, embedding and storage, metered per tenant.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/blob"
	"github.com/bull/ragdesk/internal/cache"
	"github.com/bull/ragdesk/internal/chunker"
	"github.com/bull/ragdesk/internal/embedding"
	"github.com/bull/ragdesk/internal/extract"
	"github.com/bull/ragdesk/internal/fetch"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/registry"
	"github.com/bull/ragdesk/internal/storage"
)

// Token reservations held while a source is ingested.
const (
	DefaultFileReserve    = 10000
	DefaultWebsiteReserve = 5000
)

const cleanupTimeout = 30 * time.Second

// Embedder produces one vector per chunk, in order.
type Embedder interface {
	EmbedChunks(ctx context.Context, texts []string) (*embedding.Result, error)
}

// PageFetcher downloads a single web page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Page, error)
}

// Components are the collaborators of a Pipeline.
type Components struct {
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Extractor *extract.Extractor
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Vectors   storage.VectorStore
	Blobs     blob.Store
	Fetcher   PageFetcher
	Versions  cache.Versions
}

// Config tunes metering. Zero values fall back to the defaults.
type Config struct {
	FileReserve    int64
	WebsiteReserve int64
}

// Pipeline orchestrates ingestion of single sources.
type Pipeline struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	extractor *extract.Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	vectors   storage.VectorStore
	blobs     blob.Store
	fetcher   PageFetcher
	versions  cache.Versions
	cfg       Config
	logger    *slog.Logger
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(c Components, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FileReserve <= 0 {
		cfg.FileReserve = DefaultFileReserve
	}
	if cfg.WebsiteReserve <= 0 {
		cfg.WebsiteReserve = DefaultWebsiteReserve
	}
	if c.Extractor == nil {
		c.Extractor = extract.New()
	}
	if c.Chunker == nil {
		c.Chunker = chunker.New()
	}
	if c.Versions == nil {
		c.Versions = cache.NewMemoryVersions()
	}
	return &Pipeline{
		registry:  c.Registry,
		ledger:    c.Ledger,
		extractor: c.Extractor,
		chunker:   c.Chunker,
		embedder:  c.Embedder,
		vectors:   c.Vectors,
		blobs:     c.Blobs,
		fetcher:   c.Fetcher,
		versions:  c.Versions,
		cfg:       cfg,
		logger:    logger,
	}
}

// ingestion carries the state of one run so failures can be unwound.
type ingestion struct {
	src         *registry.Source
	reservation *ledger.Reservation
	rawKey      string
	textKey     string
	stored      bool
	start       time.Time
}

// IngestFile indexes an uploaded file. The raw and extracted blobs are
// deleted once the file is indexed. On failure the source is marked failed,
// the reservation is released and no vector of the source remains.
func (p *Pipeline) IngestFile(ctx context.Context, tenantID, name, contentType string, data []byte) (*registry.Source, error) {
	switch {
	case tenantID == "":
		return nil, apperr.Validation("tenant id is required")
	case strings.TrimSpace(name) == "":
		return nil, apperr.Validation("file name is required")
	case len(data) == 0:
		return nil, apperr.Validation("file %q is empty", name)
	}

	run, err := p.begin(ctx, tenantID, registry.KindFile, name, int64(len(data)), p.cfg.FileReserve)
	if err != nil {
		return nil, err
	}
	src := run.src

	rawKey := blob.RawKey(tenantID, src.ID)
	if err := p.blobs.Put(ctx, rawKey, data, contentType); err != nil {
		return nil, p.fail(ctx, run, apperr.Storage(fmt.Errorf("store raw file: %w", err)))
	}
	run.rawKey = rawKey
	if _, err := p.registry.SetBlobKeys(ctx, tenantID, src.ID, rawKey, ""); err != nil {
		return nil, p.fail(ctx, run, err)
	}
	if _, err := p.registry.MarkProcessing(ctx, tenantID, src.ID); err != nil {
		return nil, p.fail(ctx, run, err)
	}

	res, err := p.extractor.ExtractFile(ctx, name, contentType, data)
	if err != nil {
		return nil, p.fail(ctx, run, err)
	}
	p.logger.Debug("extracted file", "tenant", tenantID, "source", src.ID, "chars", utf8.RuneCountInString(res.Text))

	indexed, err := p.index(ctx, run, res)
	if err != nil {
		return nil, p.fail(ctx, run, err)
	}

	if err := p.purgeBlobs(ctx, run); err != nil {
		p.logger.Warn("failed to delete file blobs", "tenant", tenantID, "source", src.ID, "error", err)
		return indexed, nil
	}
	purged, err := p.registry.MarkBlobsPurged(ctx, tenantID, src.ID)
	if err != nil {
		p.logger.Warn("failed to mark blobs purged", "tenant", tenantID, "source", src.ID, "error", err)
		return indexed, nil
	}
	return purged, nil
}

// IngestWebsite indexes the single page at url. The extracted text blob is
// kept for later inspection.
func (p *Pipeline) IngestWebsite(ctx context.Context, tenantID, url string) (*registry.Source, error) {
	if tenantID == "" {
		return nil, apperr.Validation("tenant id is required")
	}
	u, err := fetch.Validate(url)
	if err != nil {
		return nil, err
	}
	if p.fetcher == nil {
		return nil, apperr.New(apperr.CategoryValidation, apperr.CodeInvalidInput,
			"website ingestion is not configured", "")
	}

	run, err := p.begin(ctx, tenantID, registry.KindWebsite, u.String(), 0, p.cfg.WebsiteReserve)
	if err != nil {
		return nil, err
	}
	src := run.src

	if _, err := p.registry.MarkProcessing(ctx, tenantID, src.ID); err != nil {
		return nil, p.fail(ctx, run, err)
	}

	page, err := p.fetcher.Fetch(ctx, u.String())
	if err != nil {
		return nil, p.fail(ctx, run, err)
	}
	p.logger.Debug("fetched page", "tenant", tenantID, "source", src.ID, "bytes", len(page.Body))

	res, err := p.extractor.ExtractPage(ctx, page.URL, page.ContentType, page.Body)
	if err != nil {
		return nil, p.fail(ctx, run, err)
	}

	indexed, err := p.index(ctx, run, res)
	if err != nil {
		return nil, p.fail(ctx, run, err)
	}
	return indexed, nil
}

// begin reserves tokens and creates the pending source.
func (p *Pipeline) begin(ctx context.Context, tenantID string, kind registry.Kind, identity string, size, reserve int64) (*ingestion, error) {
	reservation, err := p.ledger.CheckAndReserve(ctx, tenantID, reserve)
	if err != nil {
		return nil, err
	}
	src, err := p.registry.BeginIngestion(ctx, tenantID, kind, identity, size)
	if err != nil {
		if relErr := reservation.Release(context.WithoutCancel(ctx)); relErr != nil {
			p.logger.Error("failed to release reservation", "tenant", tenantID, "error", relErr)
		}
		return nil, err
	}
	p.logger.Info("ingestion started", "tenant", tenantID, "source", src.ID, "kind", kind, "identity", identity)
	return &ingestion{src: src, reservation: reservation, start: time.Now()}, nil
}

// index runs the shared tail of both ingestion paths: keep the extracted
// text, chunk, embed every chunk, store all records at once, mark indexed and
// settle.
func (p *Pipeline) index(ctx context.Context, run *ingestion, res *extract.Result) (*registry.Source, error) {
	src := run.src
	tenantID := src.TenantID

	textKey := blob.TextKey(tenantID, src.ID)
	if err := p.blobs.Put(ctx, textKey, []byte(res.Text), "text/plain; charset=utf-8"); err != nil {
		return nil, apperr.Storage(fmt.Errorf("store extracted text: %w", err))
	}
	run.textKey = textKey
	if _, err := p.registry.SetBlobKeys(ctx, tenantID, src.ID, run.rawKey, textKey); err != nil {
		return nil, err
	}
	if _, err := p.registry.SetDetails(ctx, tenantID, src.ID, res.Title, res.PageCount); err != nil {
		return nil, err
	}

	chunks := p.chunker.Split(res.Text)
	if len(chunks) == 0 {
		return nil, apperr.Wrap(fmt.Errorf("%w: no chunks", extract.ErrExtractionTooShort),
			apperr.CategoryExtraction, apperr.CodeExtractionTooShort, "", false)
	}
	p.logger.Debug("chunked source", "tenant", tenantID, "source", src.ID, "chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embedded, err := p.embedder.EmbedChunks(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(embedded.Vectors) != len(chunks) {
		return nil, apperr.Wrap(fmt.Errorf("got %d embeddings for %d chunks", len(embedded.Vectors), len(chunks)),
			apperr.CategoryEmbeddingService, apperr.CodeEmbeddingFailed, "", true)
	}

	records := make([]storage.Record, len(chunks))
	for i, c := range chunks {
		records[i] = storage.Record{Index: c.Index, Text: c.Text, Vector: embedded.Vectors[i]}
	}
	// Mark before the call: a store that fails halfway is cleaned up by source.
	run.stored = true
	if err := p.vectors.Store(ctx, tenantID, src.ID, records); err != nil {
		return nil, err
	}

	indexed, err := p.registry.MarkIndexed(ctx, tenantID, src.ID, len(chunks))
	if err != nil {
		return nil, err
	}

	cost := embedded.Tokens
	if cost <= 0 {
		cost = estimateTokens(texts)
	}
	change, err := run.reservation.Settle(context.WithoutCancel(ctx), cost)
	if err != nil {
		p.logger.Error("failed to settle ingestion", "tenant", tenantID, "source", src.ID, "error", err)
	}
	p.bumpVersion(ctx, tenantID)

	p.logger.Info("source indexed",
		"tenant", tenantID,
		"source", src.ID,
		"chunks", len(chunks),
		"tokens", change.Charged(),
		"duration", time.Since(run.start),
	)
	return indexed, nil
}

// fail unwinds a run: no vectors, no transient blobs, no deduction. The
// returned error is cause.
func (p *Pipeline) fail(ctx context.Context, run *ingestion, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	src := run.src
	log := p.logger.With("tenant", src.TenantID, "source", src.ID)

	if err := run.reservation.Release(ctx); err != nil {
		log.Error("failed to release reservation", "error", err)
	}
	if run.stored {
		if err := p.vectors.DeleteSource(ctx, src.TenantID, src.ID); err != nil {
			log.Error("failed to remove vectors of failed source", "error", err)
		}
	}
	if err := p.purgeBlobs(ctx, run); err != nil {
		log.Warn("failed to delete blobs of failed source", "error", err)
	} else if _, err := p.registry.SetBlobKeys(ctx, src.TenantID, src.ID, "", ""); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Warn("failed to clear blob keys", "error", err)
	}
	if _, err := p.registry.MarkFailed(ctx, src.TenantID, src.ID, cause); err != nil {
		log.Error("failed to mark source failed", "error", err)
	}

	log.Warn("ingestion failed", "category", apperr.CategoryOf(cause), "error", cause)
	return cause
}

func (p *Pipeline) purgeBlobs(ctx context.Context, run *ingestion) error {
	var errs []error
	for _, key := range []string{run.rawKey, run.textKey} {
		if key == "" {
			continue
		}
		if err := p.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteSource removes a source with its vectors and blobs.
func (p *Pipeline) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	src, err := p.registry.Get(ctx, tenantID, sourceID)
	if err != nil {
		return err
	}
	if err := p.vectors.DeleteSource(ctx, tenantID, sourceID); err != nil {
		return err
	}

	keys := []string{src.RawBlobKey, src.TextBlobKey}
	if src.Status == registry.StatusPending || src.Status == registry.StatusProcessing {
		// Keys of an in-flight run may not be recorded yet.
		keys = append(keys, blob.RawKey(tenantID, sourceID), blob.TextKey(tenantID, sourceID))
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := p.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return apperr.Storage(fmt.Errorf("delete blob %s: %w", key, err))
		}
	}

	if err := p.registry.Delete(ctx, tenantID, sourceID); err != nil {
		return err
	}
	p.bumpVersion(ctx, tenantID)
	p.logger.Info("source deleted", "tenant", tenantID, "source", sourceID)
	return nil
}

func (p *Pipeline) ListSources(ctx context.Context, tenantID string) ([]*registry.Source, error) {
	if tenantID == "" {
		return nil, apperr.Validation("tenant id is required")
	}
	return p.registry.List(ctx, tenantID)
}

func (p *Pipeline) GetSource(ctx context.Context, tenantID, sourceID string) (*registry.Source, error) {
	return p.registry.Get(ctx, tenantID, sourceID)
}

// ExtractedText returns the kept extracted text of a source.
func (p *Pipeline) ExtractedText(ctx context.Context, tenantID, sourceID string) (string, error) {
	src, err := p.registry.Get(ctx, tenantID, sourceID)
	if err != nil {
		return "", err
	}
	if src.TextBlobKey == "" {
		return "", apperr.New(apperr.CategoryNotFound, apperr.CodeNotFound,
			fmt.Sprintf("source %s has no extracted text", sourceID), "")
	}
	data, err := p.blobs.Get(ctx, src.TextBlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return "", apperr.New(apperr.CategoryNotFound, apperr.CodeNotFound,
			fmt.Sprintf("source %s has no extracted text", sourceID), "")
	}
	if err != nil {
		return "", apperr.Storage(fmt.Errorf("read extracted text: %w", err))
	}
	return string(data), nil
}

func (p *Pipeline) bumpVersion(ctx context.Context, tenantID string) {
	if _, err := p.versions.Bump(context.WithoutCancel(ctx), tenantID); err != nil {
		p.logger.Warn("failed to bump knowledge version", "tenant", tenantID, "error", err)
	}
}

// estimateTokens approximates usage at four characters per token when the
// upstream does not report it.
func estimateTokens(texts []string) int64 {
	var n int
	for _, t := range texts {
		n += utf8.RuneCountInString(t)
	}
	return int64((n + 3) / 4)
}
