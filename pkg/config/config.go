package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Vector     VectorConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Summary    SummaryConfig
	Jobs       JobsConfig
	Extraction ExtractionConfig
	Cache      CacheConfig
	Reconcile  ReconcileConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host            string `validate:"required"`
	Port            int    `validate:"gt=0,lte=65535"`
	ReadTimeout     int    `validate:"gte=0"`
	WriteTimeout    int    `validate:"gte=0"`
	BodyLimit       int    `validate:"gt=0"`
	UploadDir       string `validate:"required"`
	RateLimitRPS    float64
	RateLimitBurst  int
	// Development disables HSTS and allows any CORS origin.
	Development     bool
	AllowedOrigins  []string
	MaxMessageChars int `validate:"gt=0"`
}

type SQLiteConfig struct {
	Path string `validate:"required"`
}

type VectorConfig struct {
	Backend  string `validate:"oneof=milvus pgvector memory"`
	Milvus   MilvusConfig
	Postgres PostgresConfig
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	Nlist          int
	Nprobe         int
}

type PostgresConfig struct {
	DSN   string
	Table string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider           string `validate:"oneof=openai gemini"`
	Model              string `validate:"required"`
	APIKey             string
	BaseURL            string
	Temperature        float32
	MaxTokens          int
	TimeoutSec         int `validate:"gt=0"`
	EmbeddingModel     string `validate:"required"`
	EmbeddingAPIKey    string
	EmbeddingDim       int `validate:"gt=0"`
	EmbeddingBatchSize int `validate:"gt=0"`
}

type ChunkingConfig struct {
	MaxChars int `validate:"gt=0"`
}

type RetrievalConfig struct {
	Limit             int     `validate:"gt=0"`
	ScoreThreshold    float32 `validate:"gte=0"`
	DedupThreshold    float64 `validate:"gte=0,lte=1"`
	PromptTokenBudget int     `validate:"gte=0"`
}

type SummaryConfig struct {
	MaxChunks     int `validate:"gt=0"`
	PerDocument   int `validate:"gt=0"`
	MaxChars      int `validate:"gt=0"`
	MinChunkChars int `validate:"gte=0"`
}

type JobsConfig struct {
	Workers int `validate:"gt=0"`
}

type ExtractionConfig struct {
	PdfToText   string `validate:"required"`
	Tesseract   string `validate:"required"`
	OCRLanguage string
}

type CacheConfig struct {
	LRUSize int
	TTL     time.Duration
}

type ReconcileConfig struct {
	Enabled bool
	Cron    string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// GenerationTimeout is the hard deadline for one generation call.
func (c LLMConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads config.yaml (optional) and CONTRACT_AI_* environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/contract-ai")
	}

	v.SetEnvPrefix("CONTRACT_AI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Vector.Backend == "pgvector" && c.Vector.Postgres.DSN == "" {
		return errors.New("invalid config: vector.postgres.dsn is required for the pgvector backend")
	}
	if c.Vector.Backend == "milvus" && c.Vector.Milvus.Endpoint == "" {
		return errors.New("invalid config: vector.milvus.endpoint is required for the milvus backend")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.uploadDir", "./data/uploads")
	v.SetDefault("server.rateLimitRPS", 2.0)
	v.SetDefault("server.rateLimitBurst", 5)
	v.SetDefault("server.development", false)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("server.maxMessageChars", 4000)

	v.SetDefault("sqlite.path", "./data/contracts.db")

	v.SetDefault("vector.backend", "milvus")
	v.SetDefault("vector.milvus.endpoint", "localhost:19530")
	v.SetDefault("vector.milvus.collectionName", "contract_chunks")
	v.SetDefault("vector.milvus.nlist", 1024)
	v.SetDefault("vector.milvus.nprobe", 16)
	v.SetDefault("vector.postgres.table", "contract_chunk_vectors")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 100)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.embeddingBatchSize", 100)

	v.SetDefault("chunking.maxChars", 800)

	v.SetDefault("retrieval.limit", 12)
	v.SetDefault("retrieval.scoreThreshold", 0.2)
	v.SetDefault("retrieval.dedupThreshold", 0.8)
	v.SetDefault("retrieval.promptTokenBudget", 6000)

	v.SetDefault("summary.maxChunks", 40)
	v.SetDefault("summary.perDocument", 30)
	v.SetDefault("summary.maxChars", 9000)
	v.SetDefault("summary.minChunkChars", 20)

	v.SetDefault("jobs.workers", 1)

	v.SetDefault("extraction.pdfToText", "pdftotext")
	v.SetDefault("extraction.tesseract", "tesseract")
	v.SetDefault("extraction.ocrLanguage", "eng")

	v.SetDefault("cache.lruSize", 2048)
	v.SetDefault("cache.ttl", "24h")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.cron", "*/15 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
