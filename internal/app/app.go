// Package app wires the configured backends into the domain services shared
// by cmd/server and cmd/ragctl.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bull/ragdesk/internal/blob"
	"github.com/bull/ragdesk/internal/cache"
	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/chunker"
	"github.com/bull/ragdesk/internal/config"
	"github.com/bull/ragdesk/internal/embedding"
	"github.com/bull/ragdesk/internal/extract"
	"github.com/bull/ragdesk/internal/fetch"
	"github.com/bull/ragdesk/internal/generation"
	ghclient "github.com/bull/ragdesk/internal/github"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
	"github.com/bull/ragdesk/internal/manualqa"
	"github.com/bull/ragdesk/internal/mcp"
	"github.com/bull/ragdesk/internal/registry"
	"github.com/bull/ragdesk/internal/storage"
)

// App holds the wired services and the health checks of every backend.
type App struct {
	Pipeline *indexer.Pipeline
	Chat     *chat.Orchestrator
	Manual   *manualqa.Service
	Ledger   *ledger.Ledger
	Health   map[string]mcp.HealthChecker
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so stdout stays free for the stdio MCP transport.
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// New connects every configured backend and builds the services. The
// returned cleanup closes the connections; it is non-nil only when err is nil.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, func(), error) {
		cleanup()
		return nil, nil, err
	}

	health := make(map[string]mcp.HealthChecker)

	var db *gorm.DB
	if cfg.Data.DatabaseURL != "" {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.Data.DatabaseURL), gormConfig())
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		closers = append(closers, func() { sqlDB.Close() })
		health["database"] = mcp.HealthFunc(sqlDB.PingContext)
		log.Info("connected to postgres")
	}

	var rdb *redis.Client
	if cfg.Data.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Data.RedisAddr,
			Password: cfg.Data.RedisPassword,
		})
		closers = append(closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis %s: %w", cfg.Data.RedisAddr, err))
		}
		health["redis"] = mcp.HealthFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		log.Info("connected to redis", "addr", cfg.Data.RedisAddr)
	}

	vectors, err := newVectorStore(ctx, cfg, db)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { vectors.Close() })
	health["vector_store"] = vectors
	log.Info("vector store ready", "backend", cfg.Vector.Backend)

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		return fail(err)
	}

	var (
		sourceStore registry.Store      = registry.NewMemoryStore()
		manualStore manualqa.Store      = manualqa.NewMemoryStore()
		balances    ledger.BalanceStore = ledger.NewMemoryStore()
		versions    cache.Versions      = cache.NewMemoryVersions()
		answers     cache.Backend       = cache.NewMemoryBackend(nil)
		limiter     ledger.Limiter
	)
	if db != nil {
		gs := registry.NewGormStore(db)
		ms := manualqa.NewGormStore(db)
		ls := ledger.NewGormStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"sources":   gs.Migrate,
			"manual_qa": ms.Migrate,
			"ledger":    ls.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return fail(fmt.Errorf("migrate %s: %w", name, err))
			}
		}
		sourceStore, manualStore, balances = gs, ms, ls
	}
	if rdb != nil {
		// Redis holds the hot balance when both are configured.
		balances = ledger.NewRedisStore(rdb)
		limiter = ledger.NewRedisLimiter(rdb, cfg.Metering.BurstLimit, cfg.Metering.BurstWindow)
		versions = cache.NewRedisVersions(rdb)
		answers = cache.NewRedisBackend(rdb)
	}

	oa, err := embedding.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	if err != nil {
		return fail(err)
	}
	embedder := embedding.NewEmbedder(oa.Embeddings(), embedding.Config{
		Model:       cfg.OpenAI.EmbeddingModel,
		Dimension:   cfg.OpenAI.EmbeddingDimension,
		Concurrency: cfg.OpenAI.EmbeddingConcurrency,
		RPS:         cfg.OpenAI.EmbeddingRPS,
		Timeout:     cfg.Timeout,
	}, log)
	generator := generation.NewGenerator(&oa.Client().Chat.Completions, generation.Config{
		Model:       cfg.OpenAI.GenerationModel,
		Temperature: cfg.OpenAI.GenerationTemperature,
		Timeout:     cfg.Timeout,
	}, log)

	gh, err := ghclient.NewClient(ghclient.WithToken(cfg.GitHubAuth))
	if err != nil {
		return fail(err)
	}
	fetcher := fetch.New(
		fetch.WithGitHub(ghclient.NewFetcher(gh)),
		fetch.WithTimeout(cfg.Timeout),
		fetch.WithLogger(log),
	)

	led := ledger.New(balances, limiter, ledger.SlogNotifier{Logger: log}, ledger.Config{
		LowBalanceThreshold: cfg.Metering.LowBalanceThreshold,
		BurstLimit:          cfg.Metering.BurstLimit,
		BurstWindow:         cfg.Metering.BurstWindow,
	}, log)

	reg := registry.New(sourceStore,
		registry.WithMaxFiles(cfg.Metering.MaxFileSources),
		registry.WithLogger(log),
	)

	pipeline := indexer.NewPipeline(indexer.Components{
		Registry:  reg,
		Ledger:    led,
		Extractor: extract.New(),
		Chunker: chunker.New(
			chunker.WithChunkSize(cfg.Chunking.Size),
			chunker.WithOverlap(cfg.Chunking.Overlap),
		),
		Embedder: embedder,
		Vectors:  vectors,
		Blobs:    blobs,
		Fetcher:  fetcher,
		Versions: versions,
	}, indexer.Config{
		FileReserve:    cfg.Metering.FileReserveTokens,
		WebsiteReserve: cfg.Metering.WebsiteReserveTokens,
	}, log)

	manual := manualqa.NewService(manualStore)

	var answerCache *cache.AnswerCache
	if cfg.CacheTTL > 0 {
		answerCache = cache.NewAnswerCache(answers, versions, cfg.CacheTTL, log)
	}

	orchestrator := chat.New(chat.Components{
		Ledger:    led,
		Manual:    manual,
		Embedder:  embedder,
		Searcher:  vectors,
		Generator: generator,
		Cache:     answerCache,
	}, chat.Config{
		TopK:          cfg.Retrieval.TopK,
		ReserveTokens: cfg.Metering.ChatReserveTokens,
		FallbackCost:  cfg.Metering.FallbackChatCost,
	}, log)

	return &App{
		Pipeline: pipeline,
		Chat:     orchestrator,
		Manual:   manual,
		Ledger:   led,
		Health:   health,
	}, cleanup, nil
}

// gormConfig translates driver errors so stores can match
// gorm.ErrDuplicatedKey on unique violations.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

func newVectorStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (storage.VectorStore, error) {
	dim := cfg.OpenAI.EmbeddingDimension
	switch cfg.Vector.Backend {
	case config.VectorQdrant:
		store, err := storage.NewQdrantStore(ctx, storage.QdrantConfig{
			Host:       cfg.Vector.QdrantHost,
			Port:       cfg.Vector.QdrantPort,
			Collection: cfg.Vector.QdrantCollection,
			Dimension:  dim,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureCollection(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure collection: %w", err)
		}
		return store, nil
	case config.VectorPgvector:
		store := storage.NewPgvectorStore(db, dim)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemoryStore(dim), nil
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (blob.Store, error) {
	if cfg.Blob.Backend != config.BlobMinio {
		return blob.NewMemoryStore(), nil
	}
	return blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.Blob.MinioEndpoint,
		AccessKey: cfg.Blob.MinioAccessKey,
		SecretKey: cfg.Blob.MinioSecretKey,
		Bucket:    cfg.Blob.MinioBucket,
		Secure:    cfg.Blob.MinioSecure,
	}, log)
}
