package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bull/ragdesk/internal/apperr"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536

	// DefaultBatchSize keeps single requests small so the pool can spread a
	// large document over several workers.
	DefaultBatchSize = 64

	DefaultConcurrency = 4
	DefaultRPS         = 8
	DefaultTimeout     = 30 * time.Second
)

// EmbeddingsAPI is the OpenAI embeddings service.
type EmbeddingsAPI interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Config tunes the embedder. Zero values fall back to the defaults.
type Config struct {
	Model       string
	Dimension   int
	BatchSize   int
	Concurrency int
	RPS         float64
	Timeout     time.Duration
}

// Result holds vectors in input order and the tokens the upstream reported.
type Result struct {
	Vectors [][]float32
	Tokens  int64
}

// Embedder generates embeddings through a bounded worker pool paced by an
// upstream rate limiter. Requests rejected with HTTP 429 are retried with
// exponential backoff.
type Embedder struct {
	api     EmbeddingsAPI
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEmbedder creates an Embedder. If logger is nil, slog.Default() is used.
func NewEmbedder(api EmbeddingsAPI, cfg Config, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Embedder{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency),
		logger:  logger,
	}
}

// Dimension returns the expected vector dimension.
func (e *Embedder) Dimension() int {
	return e.cfg.Dimension
}

// EmbedQuery embeds a single chat message.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := e.EmbedChunks(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

// EmbedChunks embeds texts in batches spread over the worker pool. The first
// failing batch cancels the rest and no partial result is returned.
func (e *Embedder) EmbedChunks(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}

	vectors := make([][]float32, len(texts))
	var tokens atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			batch, used, err := e.embedBatchWithRetry(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			copy(vectors[start:end], batch)
			tokens.Add(used)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Warn("embedding failed", "texts", len(texts), "error", err)
		return nil, apperr.Wrap(err, apperr.CategoryEmbeddingService, apperr.CodeEmbeddingFailed,
			"The embedding service is unavailable, try again later.", true)
	}

	e.logger.Debug("embedded texts", "texts", len(texts), "tokens", tokens.Load())
	return &Result{Vectors: vectors, Tokens: tokens.Load()}, nil
}

// embedBatchWithRetry embeds one batch under the per-call timeout.
// Retries with exponential backoff on rate limit errors (HTTP 429).
// Other errors are treated as permanent and fail immediately.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, int64, error) {
	var (
		embeddings [][]float32
		used       int64
	)

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		resp, err := e.api.New(callCtx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.cfg.Model),
		})
		if err != nil {
			if IsRateLimited(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		out, err := e.collect(resp, len(texts))
		if err != nil {
			return backoff.Permanent(err)
		}
		embeddings = out
		used = resp.Usage.TotalTokens
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return embeddings, used, err
}

// collect orders the response by index and checks count and dimension.
func (e *Embedder) collect(resp *openai.CreateEmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("expected %d embeddings, got %d", want, len(resp.Data))
	}
	out := make([][]float32, want)
	for i, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= want || out[idx] != nil {
			idx = i
		}
		if len(data.Embedding) != e.cfg.Dimension {
			return nil, fmt.Errorf("embedding dimension %d, expected %d", len(data.Embedding), e.cfg.Dimension)
		}
		out[idx] = toFloat32(data.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
