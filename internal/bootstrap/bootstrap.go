// Package bootstrap builds the service graph from configuration. It is shared
// by the API server and the evaluation command.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/cache/redis"
	"github.com/legal-rag/backend/internal/catalog"
	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/indexer"
	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/internal/llm"
	"github.com/legal-rag/backend/internal/prompt"
	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/retrieval"
	"github.com/legal-rag/backend/internal/status"
	"github.com/legal-rag/backend/internal/storage/memory"
	"github.com/legal-rag/backend/internal/storage/neo4j"
	"github.com/legal-rag/backend/internal/storage/sqlite"
	"github.com/legal-rag/backend/internal/synthesis"
	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/internal/vector/chroma"
	vecmem "github.com/legal-rag/backend/internal/vector/memory"
	"github.com/legal-rag/backend/internal/vector/zilliz"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/config"
	"github.com/legal-rag/backend/pkg/logger"
)

// Services is the wired application. Close releases every backend connection.
type Services struct {
	Catalog   *catalog.Catalog
	Processor *ingestion.Processor
	Indexer   *indexer.Indexer
	Embedder  embedding.Embedder
	Retriever *retrieval.Retriever
	Engine    *query.Engine
	Reporter  *status.Reporter
	// History is nil unless the sqlite registry is selected.
	History   *sqlite.Client

	closers []func()
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type languageModel interface {
	synthesis.LanguageModel
	Breaker() *circuitbreaker.CircuitBreaker
}

func Build(ctx context.Context, cfg *config.Config) (_ *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	store, err := openVectorStore(ctx, cfg, s)
	if err != nil {
		return nil, err
	}

	registry, err := openRegistry(ctx, cfg, s)
	if err != nil {
		return nil, err
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		c, rerr := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if rerr != nil {
			logger.Warn("Redis unavailable, caching disabled", zap.Error(rerr))
		} else {
			cache = c
			s.closers = append(s.closers, func() { c.Close() })
		}
	}

	checks := []status.Check{
		{Name: "vector_store", Probe: store.Ping},
		{Name: "registry", Probe: registry.Ping},
	}

	var embedder embedding.Embedder
	switch strings.ToLower(cfg.Embedding.Provider) {
	case "openai":
		e := llm.NewEmbedder(cfg.Embedding)
		checks = append(checks, status.Check{Name: "embedder", Probe: status.BreakerProbe(e.Breaker())})
		embedder = e
	case "hashing", "":
		embedder = embedding.NewHashing(cfg.Embedding.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	if embedder.Dimension() != cfg.Embedding.Dimension {
		return nil, fmt.Errorf("embedder dimension %d does not match embedding.dimension %d", embedder.Dimension(), cfg.Embedding.Dimension)
	}
	if cache != nil {
		embedder = embedding.NewCached(embedder, cache, cfg.Redis.TTL())
	}

	model, err := newLanguageModel(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	checks = append(checks, status.Check{Name: "llm", Probe: status.BreakerProbe(model.Breaker())})

	s.Catalog = catalog.New(store, registry)
	s.Embedder = embedder
	s.Processor = ingestion.NewProcessor(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap, cfg.Ingestion.MaxFileSize())

	ixOpts := []indexer.Option{
		indexer.WithWorkers(cfg.Ingestion.Workers),
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithEmbedTimeout(cfg.Embedding.Timeout()),
	}
	if cache != nil {
		ixOpts = append(ixOpts, indexer.WithInvalidator(cache))
	}
	s.Indexer = indexer.New(s.Processor, embedder, s.Catalog, ixOpts...)

	s.Retriever = retrieval.New(s.Catalog, retrieval.Config{
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		MaxPerDocument:      cfg.Retrieval.MaxPerDocument,
		MinSimilarity:       cfg.Retrieval.MinSimilarity,
	})

	assembler := prompt.NewAssembler(prompt.Config{
		HistoryBudgetChars: cfg.Prompt.HistoryBudgetChars,
		MaxHistoryTurns:    cfg.Prompt.MaxHistoryTurns,
	})

	synthesizer := synthesis.New(model, synthesis.Config{
		SpreadPenalty:   cfg.Synthesis.SpreadPenalty,
		HighThreshold:   cfg.Synthesis.HighThreshold,
		MediumThreshold: cfg.Synthesis.MediumThreshold,
		PreviewLength:   cfg.Prompt.PreviewLength,
		Timeout:         cfg.LLM.Timeout(),
		FallbackAnswer:  cfg.Synthesis.FallbackAnswer,
	})

	engineOpts := []query.Option{query.WithCorpus(s.Catalog)}
	if cache != nil {
		engineOpts = append(engineOpts, query.WithAnswerCache(cache, cfg.Redis.TTL()))
	}
	if s.History != nil {
		engineOpts = append(engineOpts, query.WithRecorder(s.History))
	}
	s.Engine = query.NewEngine(embedder, s.Retriever, assembler, synthesizer, query.Limits{
		DefaultSources:   cfg.Retrieval.DefaultSources,
		MaxSources:       cfg.Retrieval.MaxSources,
		MaxQuestionChars: cfg.Prompt.MaxQuestionChars,
	}, engineOpts...)

	s.Reporter = status.NewReporter(s.Catalog, status.Info{
		LLMModel:       model.Model(),
		EmbeddingModel: embedder.Model(),
		CollectionName: cfg.Vector.CollectionName,
	}, checks...)

	logger.Info("Services initialized",
		zap.String("vector_store", store.Name()),
		zap.String("registry", registry.Name()),
		zap.String("embedder", embedder.Model()),
		zap.String("llm", model.Model()),
		zap.Bool("redis", cache != nil),
	)

	return s, nil
}

func openVectorStore(ctx context.Context, cfg *config.Config, s *Services) (vector.Store, error) {
	dim := cfg.Embedding.Dimension
	switch strings.ToLower(cfg.Vector.Backend) {
	case "memory", "":
		return vecmem.NewStore(dim), nil
	case "zilliz":
		z, err := zilliz.NewClient(ctx, cfg.Vector.Zilliz.Endpoint, cfg.Vector.Zilliz.APIKey, cfg.Vector.CollectionName, dim)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { z.Close() })
		return z, nil
	case "chroma":
		c, err := chroma.NewStore(ctx, cfg.Vector.Chroma.URL, cfg.Vector.CollectionName, dim)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { c.Close() })
		return c, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

func openRegistry(ctx context.Context, cfg *config.Config, s *Services) (catalog.Registry, error) {
	switch strings.ToLower(cfg.Registry.Backend) {
	case "memory", "":
		return memory.NewRegistry(), nil
	case "sqlite":
		path := cfg.Registry.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
		db, err := sqlite.NewClient(path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { db.Close() })
		s.History = db
		return db, nil
	case "neo4j":
		n := cfg.Registry.Neo4j
		c, err := neo4j.NewClient(ctx, n.URI, n.Username, n.Password, n.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { c.Close(context.Background()) })
		return c, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func newLanguageModel(ctx context.Context, cfg config.LLMConfig) (languageModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return llm.NewClient(cfg), nil
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
