package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/cache"
	"github.com/bull/ragdesk/internal/generation"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
	"github.com/bull/ragdesk/internal/storage"
)

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0, 0}, nil
}

type countingSearcher struct {
	Searcher
	calls int
}

func (c *countingSearcher) Search(ctx context.Context, tenantID string, query []float32, k int) ([]storage.Hit, error) {
	c.calls++
	return c.Searcher.Search(ctx, tenantID, query, k)
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, []float32, int) ([]storage.Hit, error) {
	return nil, apperr.Storage(errors.New("qdrant unreachable"))
}

type fakeGenerator struct {
	result    *generation.Result
	err       error
	calls     int
	lastReq   generation.Request
	knowledge []string
}

func (f *fakeGenerator) GroundedPrompt(knowledge []string, fallback string) string {
	f.knowledge = knowledge
	return "system: " + fallback
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

type harness struct {
	chat      *Orchestrator
	ledger    *ledger.Ledger
	manual    *manualqa.Service
	vectors   *storage.MemoryStore
	searcher  *countingSearcher
	generator *fakeGenerator
	embedder  *fakeEmbedder
	versions  *cache.MemoryVersions
	clock     time.Time
}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	h := &harness{
		manual:   manualqa.NewService(manualqa.NewMemoryStore()),
		vectors:  storage.NewMemoryStore(4),
		embedder: &fakeEmbedder{},
		generator: &fakeGenerator{result: &generation.Result{
			Text: "Orders ship in two days.", PromptTokens: 250, CompletionTokens: 50, UsageKnown: true,
		}},
		versions: cache.NewMemoryVersions(),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.searcher = &countingSearcher{Searcher: h.vectors}
	limiter := ledger.NewMemoryLimiter(5, time.Minute, func() time.Time { return h.clock })
	h.ledger = ledger.New(ledger.NewMemoryStore(), limiter, nil, ledger.Config{}, nil)
	if balance > 0 {
		_, err := h.ledger.Recharge(context.Background(), "t1", balance)
		require.NoError(t, err)
	}
	h.chat = New(Components{
		Ledger:    h.ledger,
		Manual:    h.manual,
		Embedder:  h.embedder,
		Searcher:  h.searcher,
		Generator: h.generator,
		Cache:     cache.NewAnswerCache(cache.NewMemoryBackend(nil), h.versions, time.Hour, nil),
	}, Config{}, nil)
	return h
}

func (h *harness) addKnowledge(t *testing.T, tenantID, sourceID, text string) {
	t.Helper()
	require.NoError(t, h.vectors.Store(context.Background(), tenantID, sourceID, []storage.Record{
		{Index: 0, Text: text, Vector: []float32{1, 0, 0, 0}},
	}))
}

func (h *harness) tokens(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, b.Held, "no reservation outlives a chat")
	return b.Tokens
}

func TestChat_Generated(t *testing.T) {
	h := newHarness(t, 20000)
	h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")

	resp, err := h.chat.Chat(context.Background(), "t1", "  When do orders ship? ")
	require.NoError(t, err)

	assert.Equal(t, &Response{
		Answer:        "Orders ship in two days.",
		Path:          PathGenerated,
		TokensCharged: 300,
		SourceIDs:     []string{"s1"},
	}, resp)
	assert.Equal(t, int64(20000-300), h.tokens(t))
	assert.Equal(t, "When do orders ship?", h.generator.lastReq.User)
	assert.Equal(t, "system: "+FallbackAnswer, h.generator.lastReq.System)
	assert.Equal(t, []string{"Orders ship within two business days."}, h.generator.knowledge)
}

func TestChat_UnknownUsageChargesFallbackCost(t *testing.T) {
	h := newHarness(t, 20000)
	h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")
	h.generator.result = &generation.Result{Text: "Two days."}

	resp, err := h.chat.Chat(context.Background(), "t1", "shipping?")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultFallbackCost), resp.TokensCharged)
	assert.Equal(t, int64(20000-DefaultFallbackCost), h.tokens(t))
}

func TestChat_ManualTakesPrecedence(t *testing.T) {
	h := newHarness(t, 20000)
	ctx := context.Background()
	h.addKnowledge(t, "t1", "s1", "Our office hours are 9 to 5.")

	entry, err := h.manual.Create(ctx, "t1", manualqa.Input{Question: "What are your hours?", Answer: "We are open 24/7."})
	require.NoError(t, err)

	resp, err := h.chat.Chat(ctx, "t1", "  what ARE your hours?  ")
	require.NoError(t, err)
	assert.Equal(t, &Response{Answer: "We are open 24/7.", Path: PathManual}, resp)
	assert.Zero(t, h.generator.calls)
	assert.Zero(t, h.embedder.calls, "manual answers skip query embedding")
	assert.Zero(t, h.searcher.calls, "manual answers skip vector search")
	assert.Equal(t, int64(20000), h.tokens(t))

	got, err := h.manual.Get(ctx, "t1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Frequency)
}

func TestChat_EmptyKnowledgeFallsBack(t *testing.T) {
	h := newHarness(t, 20000)
	h.addKnowledge(t, "t2", "s9", "Another tenant's secret.")

	resp, err := h.chat.Chat(context.Background(), "t1", "anything?")
	require.NoError(t, err)
	assert.Equal(t, &Response{Answer: FallbackAnswer, Path: PathFallback}, resp)
	assert.Zero(t, h.generator.calls)
	assert.Equal(t, int64(20000), h.tokens(t))
}

func TestChat_RetrievalFailureDegrades(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		h := newHarness(t, 20000)
		h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")
		h.embedder.err = errors.New("embedding service down")

		resp, err := h.chat.Chat(context.Background(), "t1", "shipping?")
		require.NoError(t, err)
		assert.Equal(t, PathFallback, resp.Path)
		assert.Zero(t, h.generator.calls)
	})

	t.Run("search", func(t *testing.T) {
		h := newHarness(t, 20000)
		h.chat.searcher = failingSearcher{}

		resp, err := h.chat.Chat(context.Background(), "t1", "shipping?")
		require.NoError(t, err)
		assert.Equal(t, PathFallback, resp.Path)
		assert.Equal(t, int64(20000), h.tokens(t))
	})
}

func TestChat_GenerationFailureIsNotCharged(t *testing.T) {
	h := newHarness(t, 20000)
	h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")
	h.generator.err = apperr.Wrap(errors.New("timeout"), apperr.CategoryGenerationService, apperr.CodeGenerationFailed, "", true)

	_, err := h.chat.Chat(context.Background(), "t1", "shipping?")
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryGenerationService, apperr.CategoryOf(err))
	assert.Equal(t, int64(20000), h.tokens(t))
}

func TestChat_CachedAnswer(t *testing.T) {
	h := newHarness(t, 20000)
	ctx := context.Background()
	h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")

	first, err := h.chat.Chat(ctx, "t1", "When do orders ship?")
	require.NoError(t, err)
	require.Equal(t, PathGenerated, first.Path)

	second, err := h.chat.Chat(ctx, "t1", "when do   orders ship?")
	require.NoError(t, err)
	assert.Equal(t, &Response{Answer: first.Answer, Path: PathCache, SourceIDs: []string{"s1"}}, second)
	assert.Equal(t, 1, h.generator.calls)
	assert.Equal(t, int64(20000-300), h.tokens(t))

	_, err = h.versions.Bump(ctx, "t1")
	require.NoError(t, err)

	third, err := h.chat.Chat(ctx, "t1", "When do orders ship?")
	require.NoError(t, err)
	assert.Equal(t, PathGenerated, third.Path, "new knowledge invalidates cached answers")
	assert.Equal(t, 2, h.generator.calls)
}

func TestChat_BalanceChecks(t *testing.T) {
	t.Run("zero balance", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.manual.Create(context.Background(), "t1", manualqa.Input{Question: "hi", Answer: "hello"})
		require.NoError(t, err)

		_, err = h.chat.Chat(context.Background(), "t1", "hi")
		require.Error(t, err)
		assert.Equal(t, apperr.CodeZeroBalance, apperr.CodeOf(err))
	})

	t.Run("below reservation", func(t *testing.T) {
		h := newHarness(t, 499)
		_, err := h.chat.Chat(context.Background(), "t1", "hi")
		require.Error(t, err)
		assert.Equal(t, apperr.CodeInsufficientTokens, apperr.CodeOf(err))
	})

	t.Run("settle clamps at zero", func(t *testing.T) {
		h := newHarness(t, 600)
		h.addKnowledge(t, "t1", "s1", "Orders ship within two business days.")
		h.generator.result = &generation.Result{Text: "Two days.", PromptTokens: 900, CompletionTokens: 100, UsageKnown: true}

		resp, err := h.chat.Chat(context.Background(), "t1", "shipping?")
		require.NoError(t, err)
		assert.Equal(t, int64(600), resp.TokensCharged)
		assert.Zero(t, h.tokens(t))
	})
}

func TestChat_RateLimit(t *testing.T) {
	h := newHarness(t, 20000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.chat.Chat(ctx, "t1", "hello?")
		require.NoError(t, err, "message %d", i+1)
	}

	_, err := h.chat.Chat(ctx, "t1", "hello?")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRateLimitExceeded, apperr.CodeOf(err))
	assert.Equal(t, int64(20000), h.tokens(t))

	h.clock = h.clock.Add(time.Minute)
	_, err = h.chat.Chat(ctx, "t1", "hello?")
	assert.NoError(t, err)
}

func TestChat_Validation(t *testing.T) {
	h := newHarness(t, 20000)

	_, err := h.chat.Chat(context.Background(), "t1", "   ")
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	_, err = h.chat.Chat(context.Background(), "", "hello")
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
}
