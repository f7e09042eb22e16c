package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/api/handlers"
	"github.com/northoaks/contract-ai/backend/internal/cache/redis"
	"github.com/northoaks/contract-ai/backend/internal/chunker"
	"github.com/northoaks/contract-ai/backend/internal/documents"
	"github.com/northoaks/contract-ai/backend/internal/embedding"
	"github.com/northoaks/contract-ai/backend/internal/extraction"
	"github.com/northoaks/contract-ai/backend/internal/ingestion"
	"github.com/northoaks/contract-ai/backend/internal/jobs"
	"github.com/northoaks/contract-ai/backend/internal/llm"
	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/internal/middleware/ratelimit"
	"github.com/northoaks/contract-ai/backend/internal/middleware/security"
	"github.com/northoaks/contract-ai/backend/internal/middleware/validation"
	"github.com/northoaks/contract-ai/backend/internal/progress"
	"github.com/northoaks/contract-ai/backend/internal/query"
	"github.com/northoaks/contract-ai/backend/internal/ragcontext"
	"github.com/northoaks/contract-ai/backend/internal/schedule"
	"github.com/northoaks/contract-ai/backend/internal/storage/sqlite"
	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/internal/vector/memory"
	"github.com/northoaks/contract-ai/backend/internal/vector/pgvector"
	"github.com/northoaks/contract-ai/backend/internal/vector/zilliz"
	"github.com/northoaks/contract-ai/backend/pkg/config"
	appLogger "github.com/northoaks/contract-ai/backend/pkg/logger"
)

func openStore(cfg *config.Config) (*sqlite.Client, error) {
	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func openVectorIndex(ctx context.Context, cfg *config.Config) (vector.Index, error) {
	var (
		index vector.Index
		err   error
	)
	switch cfg.Vector.Backend {
	case "milvus":
		index, err = zilliz.NewClient(ctx, zilliz.Config{
			Endpoint:       cfg.Vector.Milvus.Endpoint,
			APIKey:         cfg.Vector.Milvus.APIKey,
			CollectionName: cfg.Vector.Milvus.CollectionName,
			VectorDim:      cfg.LLM.EmbeddingDim,
			Nlist:          cfg.Vector.Milvus.Nlist,
			Nprobe:         cfg.Vector.Milvus.Nprobe,
		})
	case "pgvector":
		index, err = pgvector.NewStore(ctx, cfg.Vector.Postgres.DSN, cfg.Vector.Postgres.Table, cfg.LLM.EmbeddingDim)
	case "memory":
		appLogger.Warn("Using in-memory vector index, vectors are lost on restart")
		index = memory.New(cfg.LLM.EmbeddingDim)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s vector index: %w", cfg.Vector.Backend, err)
	}

	if err := index.EnsureCollection(ctx); err != nil {
		index.Close()
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	return index, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, func(), error) {
	apiKey := cfg.LLM.EmbeddingAPIKey
	if apiKey == "" {
		apiKey = cfg.LLM.APIKey
	}
	base := embedding.NewOpenAIClient(embedding.OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.EmbeddingModel,
		Dimensions: cfg.LLM.EmbeddingDim,
		BatchSize:  cfg.LLM.EmbeddingBatchSize,
		Timeout:    30 * time.Second,
	})

	opts := []embedding.CacheOption{embedding.WithLRU(cfg.Cache.LRUSize, cfg.Cache.TTL)}
	cleanup := func() {}
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, embedding.WithSharedCache(redisClient, cfg.Cache.TTL))
		cleanup = func() { redisClient.Close() }
	}

	return embedding.NewCachedEmbedder(base, opts...), cleanup, nil
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		return llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	appLogger.Info("Starting contract Q&A API server")
	metrics.Init()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := openVectorIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	embedder, closeCache, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	broker := progress.NewBroker()
	defer broker.Close()

	queue := jobs.NewQueue(cfg.Jobs.Workers, broker)
	queue.Start(context.Background())
	defer queue.Stop()

	extractor := extraction.New(extraction.Config{
		PdfToText:   cfg.Extraction.PdfToText,
		Tesseract:   cfg.Extraction.Tesseract,
		OCRLanguage: cfg.Extraction.OCRLanguage,
	})
	processor := ingestion.NewProcessor(extractor, chunker.New(chunker.WithMaxChars(cfg.Chunking.MaxChars)), embedder, index, store)
	documentService := documents.NewService(store, processor, queue, index, broker)

	tokens := llm.NewTokenCounter(cfg.LLM.Model)
	assembler := ragcontext.NewAssembler(store,
		ragcontext.WithSummaryLimits(ragcontext.SummaryLimits{
			MaxChunks:     cfg.Summary.MaxChunks,
			PerDocument:   cfg.Summary.PerDocument,
			MaxChars:      cfg.Summary.MaxChars,
			MinChunkChars: cfg.Summary.MinChunkChars,
		}),
		ragcontext.WithDedupThreshold(cfg.Retrieval.DedupThreshold),
		ragcontext.WithTokenBudget(tokens, cfg.Retrieval.PromptTokenBudget),
	)
	queryEngine := query.NewEngine(store, embedder, index, assembler, generator, query.Config{
		SearchLimit:       cfg.Retrieval.Limit,
		ScoreThreshold:    cfg.Retrieval.ScoreThreshold,
		GenerationTimeout: cfg.LLM.GenerationTimeout(),
		Model:             cfg.LLM.Model,
	}, query.WithTokenCounter(tokens))

	scheduler := schedule.NewScheduler()
	if cfg.Reconcile.Enabled {
		if err := scheduler.AddJob(schedule.NewReconcileJob(documentService), cfg.Reconcile.Cron); err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Server.RateLimitRPS,
		Burst:             cfg.Server.RateLimitBurst,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := strings.Join(cfg.Server.AllowedOrigins, ", ")
	if cfg.Server.Development || allowOrigins == "" {
		allowOrigins = "*"
	}

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	documentHandler := handlers.NewDocumentHandler(documentService, cfg.Server.UploadDir)
	chatHandler := handlers.NewChatHandler(queryEngine, cfg.Server.MaxMessageChars)
	wsHandler := handlers.NewWebSocketHandler(broker)

	api := app.Group("/api/v1")

	api.Post("/documents", documentHandler.UploadDocument)
	api.Get("/documents/:id/status", documentHandler.GetStatus)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)

	api.Post("/sessions", chatHandler.CreateSession)
	api.Post("/sessions/:id/messages", limiter.Middleware(), chatHandler.CreateMessage)
	api.Get("/sessions/:id/messages", chatHandler.ListMessages)

	app.Get("/ws/progress/:key", wsHandler.RequireUpgrade, websocket.New(wsHandler.HandleProgress))

	app.Get("/metrics", metrics.MetricsHandler())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(addr)
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		appLogger.Warn("Server shutdown error", zap.Error(err))
	}
	appLogger.Info("Server stopped")
	return nil
}

func reconcileOnce(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := openVectorIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	service := documents.NewService(store, nil, nil, index, nil)
	purged, err := service.ReconcileVectors(ctx)
	appLogger.Info("Reconciliation done", zap.Int("purged", purged))
	return err
}
