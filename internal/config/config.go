// Package config loads ragdesk settings from the environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend names.
const (
	VectorMemory   = "memory"
	VectorQdrant   = "qdrant"
	VectorPgvector = "pgvector"

	BlobMemory = "memory"
	BlobMinio  = "minio"
)

type Config struct {
	HTTPAddr   string
	ServerMode string
	LogLevel   string
	LogFormat  string

	OpenAI     OpenAIConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Vector     VectorConfig
	Data       DataConfig
	Blob       BlobConfig
	Metering   MeteringConfig
	CacheTTL   time.Duration
	Timeout    time.Duration
	GitHubAuth string
}

type OpenAIConfig struct {
	APIKey                string
	BaseURL               string
	EmbeddingModel        string
	EmbeddingDimension    int
	EmbeddingConcurrency  int
	EmbeddingRPS          float64
	GenerationModel       string
	GenerationTemperature float64
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK int
}

type VectorConfig struct {
	Backend          string
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
}

type DataConfig struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
}

type BlobConfig struct {
	Backend        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool
}

type MeteringConfig struct {
	MaxFileSources       int
	FileReserveTokens    int64
	WebsiteReserveTokens int64
	ChatReserveTokens    int64
	FallbackChatCost     int64
	LowBalanceThreshold  int64
	BurstLimit           int
	BurstWindow          time.Duration
}

// Load reads configuration. An empty path skips the config file; a missing
// config.yaml in the working directory is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SERVER_MODE", "http")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING_DIMENSION", 1536)
	v.SetDefault("EMBEDDING_CONCURRENCY", 4)
	v.SetDefault("EMBEDDING_RPS", 8.0)
	v.SetDefault("GENERATION_MODEL", "gpt-4o-mini")
	v.SetDefault("GENERATION_TEMPERATURE", 0.0)
	v.SetDefault("EXTERNAL_TIMEOUT", 30*time.Second)

	v.SetDefault("CHUNK_SIZE", 1000)
	v.SetDefault("CHUNK_OVERLAP", 200)
	v.SetDefault("RETRIEVAL_TOP_K", 5)

	v.SetDefault("VECTOR_BACKEND", VectorMemory)
	v.SetDefault("QDRANT_HOST", "localhost")
	v.SetDefault("QDRANT_PORT", 6334)
	v.SetDefault("QDRANT_COLLECTION", "knowledge")

	v.SetDefault("BLOB_BACKEND", BlobMemory)
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_BUCKET", "ragdesk-sources")
	v.SetDefault("MINIO_SECURE", false)

	v.SetDefault("MAX_FILE_SOURCES", 5)
	v.SetDefault("FILE_RESERVE_TOKENS", 10000)
	v.SetDefault("WEBSITE_RESERVE_TOKENS", 5000)
	v.SetDefault("CHAT_RESERVE_TOKENS", 500)
	v.SetDefault("FALLBACK_CHAT_COST", 500)
	v.SetDefault("LOW_BALANCE_THRESHOLD", 10000)
	v.SetDefault("BURST_LIMIT", 5)
	v.SetDefault("BURST_WINDOW", 60*time.Second)
	v.SetDefault("CACHE_TTL", time.Hour)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPAddr:   v.GetString("HTTP_ADDR"),
		ServerMode: v.GetString("SERVER_MODE"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		LogFormat:  v.GetString("LOG_FORMAT"),
		OpenAI: OpenAIConfig{
			APIKey:                v.GetString("OPENAI_API_KEY"),
			BaseURL:               v.GetString("OPENAI_BASE_URL"),
			EmbeddingModel:        v.GetString("EMBEDDING_MODEL"),
			EmbeddingDimension:    v.GetInt("EMBEDDING_DIMENSION"),
			EmbeddingConcurrency:  v.GetInt("EMBEDDING_CONCURRENCY"),
			EmbeddingRPS:          v.GetFloat64("EMBEDDING_RPS"),
			GenerationModel:       v.GetString("GENERATION_MODEL"),
			GenerationTemperature: v.GetFloat64("GENERATION_TEMPERATURE"),
		},
		Chunking: ChunkingConfig{
			Size:    v.GetInt("CHUNK_SIZE"),
			Overlap: v.GetInt("CHUNK_OVERLAP"),
		},
		Retrieval: RetrievalConfig{TopK: v.GetInt("RETRIEVAL_TOP_K")},
		Vector: VectorConfig{
			Backend:          v.GetString("VECTOR_BACKEND"),
			QdrantHost:       v.GetString("QDRANT_HOST"),
			QdrantPort:       v.GetInt("QDRANT_PORT"),
			QdrantCollection: v.GetString("QDRANT_COLLECTION"),
		},
		Data: DataConfig{
			DatabaseURL:   v.GetString("DATABASE_URL"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
		},
		Blob: BlobConfig{
			Backend:        v.GetString("BLOB_BACKEND"),
			MinioEndpoint:  v.GetString("MINIO_ENDPOINT"),
			MinioAccessKey: v.GetString("MINIO_ACCESS_KEY"),
			MinioSecretKey: v.GetString("MINIO_SECRET_KEY"),
			MinioBucket:    v.GetString("MINIO_BUCKET"),
			MinioSecure:    v.GetBool("MINIO_SECURE"),
		},
		Metering: MeteringConfig{
			MaxFileSources:       v.GetInt("MAX_FILE_SOURCES"),
			FileReserveTokens:    v.GetInt64("FILE_RESERVE_TOKENS"),
			WebsiteReserveTokens: v.GetInt64("WEBSITE_RESERVE_TOKENS"),
			ChatReserveTokens:    v.GetInt64("CHAT_RESERVE_TOKENS"),
			FallbackChatCost:     v.GetInt64("FALLBACK_CHAT_COST"),
			LowBalanceThreshold:  v.GetInt64("LOW_BALANCE_THRESHOLD"),
			BurstLimit:           v.GetInt("BURST_LIMIT"),
			BurstWindow:          v.GetDuration("BURST_WINDOW"),
		},
		CacheTTL:   v.GetDuration("CACHE_TTL"),
		Timeout:    v.GetDuration("EXTERNAL_TIMEOUT"),
		GitHubAuth: v.GetString("GITHUB_TOKEN"),
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, %d), got %d", c.Chunking.Size, c.Chunking.Overlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive, got %d", c.Retrieval.TopK)
	}
	switch c.Vector.Backend {
	case VectorMemory, VectorQdrant:
	case VectorPgvector:
		if c.Data.DatabaseURL == "" {
			return errors.New("VECTOR_BACKEND=pgvector requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.Vector.Backend)
	}
	switch c.Blob.Backend {
	case BlobMemory, BlobMinio:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.Blob.Backend)
	}
	if c.ServerMode != "http" && c.ServerMode != "stdio" {
		return fmt.Errorf("unknown SERVER_MODE %q", c.ServerMode)
	}
	if c.Metering.BurstLimit <= 0 || c.Metering.BurstWindow <= 0 {
		return errors.New("BURST_LIMIT and BURST_WINDOW must be positive")
	}
	if c.OpenAI.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.OpenAI.EmbeddingDimension)
	}
	return nil
}
