// Package chat answers tenant messages from manual answers, cached answers or
// knowledge retrieved from the tenant's sources.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/cache"
	"github.com/bull/ragdesk/internal/generation"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
	"github.com/bull/ragdesk/internal/storage"
)

// FallbackAnswer is returned when the tenant's knowledge has nothing relevant.
const FallbackAnswer = "I don't have this information yet."

const (
	DefaultTopK          = 5
	DefaultReserveTokens = 500
	DefaultFallbackCost  = 500
)

// Path says how an answer was produced.
type Path string

const (
	PathManual    Path = "manual"
	PathCache     Path = "cache"
	PathFallback  Path = "fallback"
	PathGenerated Path = "generated"
)

// Response is the answer to one message.
type Response struct {
	Answer        string   `json:"answer"`
	Path          Path     `json:"path"`
	TokensCharged int64    `json:"tokens_charged"`
	SourceIDs     []string `json:"source_ids,omitempty"`
}

type ManualMatcher interface {
	Match(ctx context.Context, tenantID, message string) (*manualqa.Entry, error)
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, tenantID string, query []float32, k int) ([]storage.Hit, error)
}

type Generator interface {
	GroundedPrompt(knowledge []string, fallback string) string
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
}

// Components are the collaborators of an Orchestrator. Cache may be nil.
type Components struct {
	Ledger    *ledger.Ledger
	Manual    ManualMatcher
	Embedder  QueryEmbedder
	Searcher  Searcher
	Generator Generator
	Cache     *cache.AnswerCache
}

// Config tunes retrieval and metering. Zero values fall back to the defaults.
type Config struct {
	TopK          int
	ReserveTokens int64
	FallbackCost  int64
}

// Orchestrator runs one message through
// rate check, balance check, manual match, cache, retrieval, generation and
// metering.
type Orchestrator struct {
	ledger    *ledger.Ledger
	manual    ManualMatcher
	embedder  QueryEmbedder
	searcher  Searcher
	generator Generator
	cache     *cache.AnswerCache
	cfg       Config
	logger    *slog.Logger
}

func New(c Components, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = DefaultReserveTokens
	}
	if cfg.FallbackCost <= 0 {
		cfg.FallbackCost = DefaultFallbackCost
	}
	return &Orchestrator{
		ledger:    c.Ledger,
		manual:    c.Manual,
		embedder:  c.Embedder,
		searcher:  c.Searcher,
		generator: c.Generator,
		cache:     c.Cache,
		cfg:       cfg,
		logger:    logger,
	}
}

// Chat answers message for tenantID. Only generated answers are charged.
func (o *Orchestrator) Chat(ctx context.Context, tenantID, message string) (*Response, error) {
	message = strings.TrimSpace(message)
	switch {
	case tenantID == "":
		return nil, apperr.Validation("tenant id is required")
	case message == "":
		return nil, apperr.Validation("message is required")
	}
	start := time.Now()
	log := o.logger.With("tenant", tenantID)

	if err := o.ledger.AllowBurst(ctx, tenantID); err != nil {
		return nil, err
	}
	reservation, err := o.ledger.CheckAndReserve(ctx, tenantID, o.cfg.ReserveTokens)
	if err != nil {
		return nil, err
	}
	// No-op once settled.
	defer func() {
		if err := reservation.Release(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to release chat reservation", "error", err)
		}
	}()

	if resp := o.matchManual(ctx, tenantID, message, log); resp != nil {
		return resp, nil
	}

	cacheKey := o.cacheKey(ctx, tenantID, message, log)
	if cacheKey != "" {
		entry, ok, err := o.cache.Get(ctx, cacheKey)
		if err != nil {
			log.Warn("answer cache lookup failed", "error", err)
		} else if ok {
			log.Debug("answered from cache")
			return &Response{Answer: entry.Answer, Path: PathCache, SourceIDs: entry.SourceIDs}, nil
		}
	}

	hits := o.retrieve(ctx, tenantID, message, log)
	if len(hits) == 0 {
		log.Debug("no knowledge matched, using fallback")
		return &Response{Answer: FallbackAnswer, Path: PathFallback}, nil
	}

	knowledge := make([]string, len(hits))
	for i, h := range hits {
		knowledge[i] = h.Text
	}
	result, err := o.generator.Generate(ctx, generation.Request{
		System: o.generator.GroundedPrompt(knowledge, FallbackAnswer),
		User:   message,
	})
	if err != nil {
		log.Warn("generation failed", "error", err)
		return nil, err
	}

	cost := o.cfg.FallbackCost
	if result.UsageKnown {
		cost = result.TotalTokens()
	}
	change, err := reservation.Settle(context.WithoutCancel(ctx), cost)
	if err != nil {
		// The answer exists; losing its charge is logged rather than surfaced.
		log.Error("failed to meter chat", "cost", cost, "error", err)
	}

	resp := &Response{
		Answer:        result.Text,
		Path:          PathGenerated,
		TokensCharged: change.Charged(),
		SourceIDs:     sourceIDs(hits),
	}
	if cacheKey != "" {
		if err := o.cache.Put(ctx, cacheKey, cache.Entry{Answer: resp.Answer, SourceIDs: resp.SourceIDs}); err != nil {
			log.Warn("failed to cache answer", "error", err)
		}
	}

	log.Info("chat answered",
		"path", resp.Path,
		"hits", len(hits),
		"tokens", resp.TokensCharged,
		"duration", time.Since(start),
	)
	return resp, nil
}

// matchManual degrades to retrieval when the manual store is unavailable.
func (o *Orchestrator) matchManual(ctx context.Context, tenantID, message string, log *slog.Logger) *Response {
	if o.manual == nil {
		return nil
	}
	entry, err := o.manual.Match(ctx, tenantID, message)
	if err != nil {
		log.Warn("manual answer lookup failed", "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}
	log.Debug("answered from manual entry", "entry", entry.ID)
	return &Response{Answer: entry.Answer, Path: PathManual}
}

func (o *Orchestrator) cacheKey(ctx context.Context, tenantID, message string, log *slog.Logger) string {
	if !o.cache.Enabled() {
		return ""
	}
	key, err := o.cache.Key(ctx, tenantID, message)
	if err != nil {
		log.Warn("answer cache unavailable", "error", err)
		return ""
	}
	return key
}

// retrieve returns no hits when embedding or search fails.
func (o *Orchestrator) retrieve(ctx context.Context, tenantID, message string, log *slog.Logger) []storage.Hit {
	query, err := o.embedder.EmbedQuery(ctx, message)
	if err != nil {
		log.Warn("query embedding failed, answering without knowledge", "error", err)
		return nil
	}
	hits, err := o.searcher.Search(ctx, tenantID, query, o.cfg.TopK)
	if err != nil {
		log.Warn("knowledge search failed, answering without knowledge", "error", err)
		return nil
	}
	return hits
}

func sourceIDs(hits []storage.Hit) []string {
	seen := make(map[string]bool, len(hits))
	var ids []string
	for _, h := range hits {
		if !seen[h.SourceID] {
			seen[h.SourceID] = true
			ids = append(ids, h.SourceID)
		}
	}
	return ids
}
