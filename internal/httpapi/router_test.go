package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/blob"
	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/embedding"
	"github.com/bull/ragdesk/internal/generation"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
	"github.com/bull/ragdesk/internal/registry"
	"github.com/bull/ragdesk/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type constEmbedder struct{}

func (constEmbedder) EmbedChunks(_ context.Context, texts []string) (*embedding.Result, error) {
	res := &embedding.Result{Tokens: int64(len(texts) * 10)}
	for range texts {
		res.Vectors = append(res.Vectors, []float32{1, 0, 0})
	}
	return res, nil
}

func (constEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type echoGenerator struct{}

func (echoGenerator) GroundedPrompt(knowledge []string, _ string) string {
	return strings.Join(knowledge, "\n")
}

func (echoGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	return &generation.Result{Text: "Answer: " + req.User, PromptTokens: 40, CompletionTokens: 10, UsageKnown: true}, nil
}

type testServer struct {
	router *gin.Engine
	ledger *ledger.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, ledger.Config{}, nil)
	vectors := storage.NewMemoryStore(3)
	manual := manualqa.NewService(manualqa.NewMemoryStore())

	pipeline := indexer.NewPipeline(indexer.Components{
		Registry: registry.New(registry.NewMemoryStore(), registry.WithMaxFiles(1)),
		Ledger:   l,
		Embedder: constEmbedder{},
		Vectors:  vectors,
		Blobs:    blob.NewMemoryStore(),
	}, indexer.Config{}, nil)

	orchestrator := chat.New(chat.Components{
		Ledger:    l,
		Manual:    manual,
		Embedder:  constEmbedder{},
		Searcher:  vectors,
		Generator: echoGenerator{},
	}, chat.Config{}, nil)

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &testServer{
		router: NewRouter(Services{Pipeline: pipeline, Chat: orchestrator, Manual: manual, Ledger: l},
			Config{Health: health}, nil),
		ledger: l,
	}
}

func (s *testServer) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, tenant, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderTenantID, tenant)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func (s *testServer) recharge(t *testing.T, tenant string, tokens int64) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/recharge", tenant, map[string]int64{"tokens": tokens})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

var policy = strings.Repeat("Orders ship within two business days and returns are free. ", 4)

func TestMissingTenant(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/sources", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.CodeInvalidInput, decodeError(t, w).Code)
	assert.NotEmpty(t, w.Header().Get(HeaderTraceID))
}

func TestTraceIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderTraceID, "abc123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Header().Get(HeaderTraceID))
}

func TestChatFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, apperr.CodeZeroBalance, body.Code)
	assert.Equal(t, string(apperr.CategoryQuotaExceeded), body.Category)
	assert.Contains(t, body.Hint, "Recharge")

	s.recharge(t, "t1", 50000)

	w = s.upload(t, "t1", "policy.txt", policy)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var src registry.Source
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &src))
	assert.Equal(t, registry.StatusProcessedAndDeleted, src.Status)

	w = s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{"message": "When do orders ship?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp chat.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, chat.PathGenerated, resp.Path)
	assert.Equal(t, int64(50), resp.TokensCharged)
	assert.Equal(t, []string{src.ID}, resp.SourceIDs)

	// Another tenant sees none of it.
	s.recharge(t, "t2", 1000)
	w = s.do(t, http.MethodPost, "/api/v1/chat", "t2", map[string]string{"message": "When do orders ship?"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, chat.PathFallback, resp.Path)

	w = s.do(t, http.MethodGet, "/api/v1/balance", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal balanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, bal.Tokens, bal.Available)
	assert.Less(t, bal.Tokens, int64(50000))
}

func TestChat_RateLimited(t *testing.T) {
	s := newTestServer(t)
	s.recharge(t, "t1", 50000)

	for i := 0; i < ledger.DefaultBurstLimit; i++ {
		w := s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{"message": "hello"})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apperr.CodeRateLimitExceeded, decodeError(t, w).Code)
}

func TestChat_MissingMessage(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperr.CategoryValidation), decodeError(t, w).Category)
}

func TestSources(t *testing.T) {
	s := newTestServer(t)
	s.recharge(t, "t1", 50000)

	w := s.upload(t, "t1", "tiny.txt", "too short")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperr.CodeExtractionTooShort, decodeError(t, w).Code)

	w = s.upload(t, "t1", "policy.txt", policy)
	require.Equal(t, http.StatusCreated, w.Code)
	var src registry.Source
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &src))

	w = s.upload(t, "t1", "second.txt", policy)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.CodeDocumentCap, decodeError(t, w).Code)

	w = s.do(t, http.MethodGet, "/api/v1/sources", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sources []registry.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sources, 2, "the failed upload is listed with its reason")

	w = s.do(t, http.MethodGet, "/api/v1/sources/"+src.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/sources/"+src.ID, "t1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/sources/"+src.ID, "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddWebsite_InvalidScheme(t *testing.T) {
	s := newTestServer(t)
	s.recharge(t, "t1", 50000)

	w := s.do(t, http.MethodPost, "/api/v1/sources/websites", "t1", map[string]string{"url": "gopher://acme.example"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManualQA(t *testing.T) {
	s := newTestServer(t)
	s.recharge(t, "t1", 50000)

	w := s.do(t, http.MethodPost, "/api/v1/manual-qa", "t1", manualqa.Input{Question: "Hours?", Answer: "9 to 5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var entry manualqa.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))

	w = s.do(t, http.MethodPut, "/api/v1/manual-qa/"+entry.ID, "t1", manualqa.Input{Question: "Hours?", Answer: "Always open"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/chat", "t1", map[string]string{"message": "hours?"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp chat.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, chat.Response{Answer: "Always open", Path: chat.PathManual}, resp)

	w = s.do(t, http.MethodPost, "/api/v1/manual-qa", "t1", manualqa.Input{Question: "No answer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/manual-qa/"+entry.ID, "t1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/manual-qa", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":[]}`, w.Body.String())
}

func TestRecharge_Validation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/recharge", "t1", map[string]int64{"tokens": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", apperr.Validation("bad"), http.StatusBadRequest},
		{"not found", apperr.New(apperr.CategoryNotFound, apperr.CodeNotFound, "gone", ""), http.StatusNotFound},
		{"conflict", apperr.New(apperr.CategoryConflict, apperr.CodeDuplicateSource, "dup", ""), http.StatusConflict},
		{"rate", apperr.New(apperr.CategoryQuotaExceeded, apperr.CodeRateLimitExceeded, "slow down", ""), http.StatusTooManyRequests},
		{"balance", apperr.New(apperr.CategoryQuotaExceeded, apperr.CodeZeroBalance, "empty", ""), http.StatusPaymentRequired},
		{"insufficient", apperr.New(apperr.CategoryQuotaExceeded, apperr.CodeInsufficientTokens, "low", ""), http.StatusPaymentRequired},
		{"cap", apperr.New(apperr.CategoryQuotaExceeded, apperr.CodeDocumentCap, "full", ""), http.StatusForbidden},
		{"extraction", apperr.New(apperr.CategoryExtraction, apperr.CodeExtractionTooShort, "short", ""), http.StatusUnprocessableEntity},
		{"embedding", apperr.New(apperr.CategoryEmbeddingService, apperr.CodeEmbeddingFailed, "down", ""), http.StatusBadGateway},
		{"generation", apperr.New(apperr.CategoryGenerationService, apperr.CodeGenerationFailed, "down", ""), http.StatusBadGateway},
		{"storage", apperr.Storage(errors.New("db")), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, StatusFor(tc.err))
		})
	}
}
