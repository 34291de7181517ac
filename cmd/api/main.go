package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/api/handlers"
	"github.com/legal-rag/backend/internal/bootstrap"
	"github.com/legal-rag/backend/internal/indexer"
	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/internal/middleware/ratelimit"
	"github.com/legal-rag/backend/internal/middleware/security"
	"github.com/legal-rag/backend/internal/middleware/validation"
	"github.com/legal-rag/backend/pkg/config"
	appLogger "github.com/legal-rag/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Legal RAG API Server")

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if dir := cfg.Ingestion.SeedDir; dir != "" {
		result, err := services.Indexer.IndexDirectory(ctx, dir)
		if err != nil {
			appLogger.Error("Failed to seed documents", zap.String("dir", dir), zap.Error(err))
		} else {
			appLogger.Info("Seed directory indexed",
				zap.String("dir", dir),
				zap.Int("processed", len(result.ProcessedFiles)),
				zap.Int("failed", len(result.FailedFiles)),
				zap.Int("chunks", result.TotalChunks),
			)
		}
	}

	watchDone := make(chan struct{})
	if dir := cfg.Ingestion.WatchDir; dir != "" {
		watcher := indexer.NewWatcher(services.Indexer, dir)
		if dir == cfg.Ingestion.SeedDir {
			markExisting(watcher, dir)
		}
		go func() {
			defer close(watchDone)
			if err := watcher.Run(ctx); err != nil {
				appLogger.Error("Directory watcher failed", zap.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		NoStorePrefixes: []string{"/api/v1/query", "/api/v1/queries"},
	}))

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			SkipPaths:            []string{"/api/v1/health", "/metrics"},
			Logger:               appLogger.Named("ratelimit"),
		})
		defer limiter.Stop()
		app.Use(limiter.Middleware())
	}

	app.Use(validation.Middleware(validation.Config{
		MaxQuestionChars: cfg.Prompt.MaxQuestionChars,
		Logger:           appLogger.Named("validation"),
	}))

	var history handlers.HistoryLister
	if services.History != nil {
		history = services.History
	}

	queryHandler := handlers.NewQueryHandler(services.Engine, history)
	documentHandler := handlers.NewDocumentHandler(
		services.Indexer,
		services.Catalog,
		services.Embedder,
		services.Retriever,
		services.Engine,
		cfg.Prompt.PreviewLength,
	)
	statusHandler := handlers.NewStatusHandler(services.Reporter)
	wsHandler := handlers.NewWebSocketHandler(services.Engine)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/queries", queryHandler.GetQueryHistory)

	api.Post("/documents", documentHandler.UploadDocuments)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Delete("/documents", documentHandler.ClearDocuments)
	api.Get("/documents/search", documentHandler.SearchDocuments)

	api.Get("/stats", statusHandler.Stats)
	api.Get("/health", statusHandler.Health)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	<-watchDone
	appLogger.Info("Server stopped")
}

// markExisting keeps the watcher from re-indexing files the seed run already indexed.
func markExisting(w *indexer.Watcher, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		appLogger.Warn("Failed to list watch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		w.MarkIndexed(data)
	}
}
