package query

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/internal/prompt"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/retrieval"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/synthesis"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/utils"
)

// Stages reported to a progress callback, in order.
const (
	StageEmbedding  = "embedding"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
)

// AnswerCache is implemented by cache/redis.
type AnswerCache interface {
	GetAnswer(ctx context.Context, key string, answer interface{}) (bool, error)
	SetAnswer(ctx context.Context, key string, answer interface{}, ttl time.Duration) error
}

// Corpus reports a counter that changes whenever indexed content changes.
// Implemented by catalog.Catalog.
type Corpus interface {
	Generation() uint64
}

// Recorder persists answered queries. Implemented by storage/sqlite.
type Recorder interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
}

type Limits struct {
	DefaultSources   int
	MaxSources       int
	MaxQuestionChars int
}

type Engine struct {
	embedder    embedding.Embedder
	retriever   *retrieval.Retriever
	assembler   *prompt.Assembler
	synthesizer *synthesis.Synthesizer
	limits      Limits

	cache    AnswerCache
	cacheTTL time.Duration
	corpus   Corpus
	recorder Recorder
}

type Option func(*Engine)

func WithAnswerCache(cache AnswerCache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = cache
		e.cacheTTL = ttl
	}
}

// WithCorpus scopes cached answers to the corpus generation they were built
// from. An answer whose corpus changed mid-query is not cached.
func WithCorpus(c Corpus) Option {
	return func(e *Engine) { e.corpus = c }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

type Response struct {
	ID        string
	Answer    models.Answer
	LatencyMS int64
	Cached    bool
}

func NewEngine(embedder embedding.Embedder, retriever *retrieval.Retriever, assembler *prompt.Assembler, synthesizer *synthesis.Synthesizer, limits Limits, opts ...Option) *Engine {
	if limits.MaxSources < 1 {
		limits.MaxSources = 10
	}
	if limits.DefaultSources < 1 {
		limits.DefaultSources = 5
	}
	if limits.DefaultSources > limits.MaxSources {
		limits.DefaultSources = limits.MaxSources
	}

	e := &Engine{
		embedder:    embedder,
		retriever:   retriever,
		assembler:   assembler,
		synthesizer: synthesizer,
		limits:      limits,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClampSources resolves the requested source count: nil means the default,
// anything else is clamped into [1, MaxSources].
func (e *Engine) ClampSources(requested *int) int {
	if requested == nil {
		return e.limits.DefaultSources
	}
	switch n := *requested; {
	case n < 1:
		return 1
	case n > e.limits.MaxSources:
		return e.limits.MaxSources
	default:
		return n
	}
}

func (e *Engine) Validate(req models.QueryRequest) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return ragerr.Validationf("question is required")
	}
	if e.limits.MaxQuestionChars > 0 && utf8.RuneCountInString(question) > e.limits.MaxQuestionChars {
		return ragerr.Validationf("question exceeds %d characters", e.limits.MaxQuestionChars)
	}
	for i, t := range req.History {
		if t.Role != models.RoleUser && t.Role != models.RoleAssistant {
			return ragerr.Validationf("chat_history[%d].role must be %q or %q", i, models.RoleUser, models.RoleAssistant)
		}
	}
	return nil
}

func (e *Engine) ProcessQuery(ctx context.Context, req models.QueryRequest) (*Response, error) {
	return e.ProcessQueryWithProgress(ctx, req, nil)
}

// ProcessQueryWithProgress answers req, calling progress (if set) as each stage starts.
// Only validation errors are returned; every other failure produces a degraded answer.
func (e *Engine) ProcessQueryWithProgress(ctx context.Context, req models.QueryRequest, progress func(stage string)) (*Response, error) {
	start := time.Now()

	if err := e.Validate(req); err != nil {
		metrics.QueryTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if progress == nil {
		progress = func(string) {}
	}

	question := strings.TrimSpace(req.Question)
	k := e.ClampSources(req.MaxSources)
	queryID := uuid.New().String()

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.Int("max_sources", k),
		zap.Int("history_turns", len(req.History)),
	)

	generation := e.generation()
	cacheKey := e.cacheKey(generation, question, req.History, k)
	if answer, ok := e.cachedAnswer(ctx, cacheKey); ok {
		metrics.QueryTotal.WithLabelValues("cached").Inc()
		return &Response{ID: queryID, Answer: answer, LatencyMS: time.Since(start).Milliseconds(), Cached: true}, nil
	}

	answer := e.answer(ctx, question, req.History, k, progress)

	latency := time.Since(start)
	metrics.QueryDuration.WithLabelValues("total").Observe(latency.Seconds())
	e.observe(answer)

	if !answer.Degraded {
		if e.generation() == generation {
			e.storeAnswer(ctx, cacheKey, answer)
		} else {
			logger.Debug("Corpus changed during query, answer not cached", zap.String("query_id", queryID))
		}
	}
	e.record(ctx, queryID, question, answer, latency)

	logger.Info("Query processed",
		zap.String("query_id", queryID),
		zap.Bool("degraded", answer.Degraded),
		zap.String("band", string(answer.Band)),
		zap.Int("sources", len(answer.Sources)),
		zap.Duration("latency", latency),
	)

	return &Response{ID: queryID, Answer: answer, LatencyMS: latency.Milliseconds()}, nil
}

func (e *Engine) answer(ctx context.Context, question string, history []models.ConversationTurn, k int, progress func(string)) models.Answer {
	progress(StageEmbedding)
	stageStart := time.Now()
	vec, err := embedding.EmbedOne(ctx, e.embedder, question)
	metrics.QueryDuration.WithLabelValues(StageEmbedding).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		logger.Error("Failed to embed question", zap.Error(err))
		metrics.SynthesisFallbacks.WithLabelValues(string(ragerr.EmbeddingFailure)).Inc()
		return e.synthesizer.Fallback(nil, string(ragerr.EmbeddingFailure))
	}

	progress(StageRetrieval)
	stageStart = time.Now()
	results, err := e.retriever.Retrieve(ctx, vec, k)
	metrics.QueryDuration.WithLabelValues(StageRetrieval).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		logger.Error("Failed to retrieve chunks", zap.Error(err))
		metrics.SynthesisFallbacks.WithLabelValues("retrieval_failure").Inc()
		return e.synthesizer.Fallback(nil, "retrieval_failure")
	}
	metrics.RetrievalResultsCount.Observe(float64(len(results)))

	p := e.assembler.Assemble(question, results, history)

	progress(StageGeneration)
	stageStart = time.Now()
	answer := e.synthesizer.Synthesize(ctx, p, results)
	metrics.QueryDuration.WithLabelValues(StageGeneration).Observe(time.Since(stageStart).Seconds())
	return answer
}

func (e *Engine) observe(answer models.Answer) {
	status := "success"
	if answer.Degraded {
		status = "degraded"
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	metrics.ConfidenceBand.WithLabelValues(string(answer.Band)).Inc()
	if answer.Confidence != nil {
		metrics.ConfidenceScore.Observe(*answer.Confidence)
	}
}

func (e *Engine) generation() uint64 {
	if e.corpus == nil {
		return 0
	}
	return e.corpus.Generation()
}

func (e *Engine) cacheKey(generation uint64, question string, history []models.ConversationTurn, k int) string {
	parts := make([]string, 0, 3+2*len(history))
	parts = append(parts, strconv.FormatUint(generation, 10), question, strconv.Itoa(k))
	for _, t := range history {
		parts = append(parts, t.Role, t.Content)
	}
	return utils.HashKey(parts...)
}

func (e *Engine) cachedAnswer(ctx context.Context, key string) (models.Answer, bool) {
	var answer models.Answer
	if e.cache == nil {
		return answer, false
	}
	ok, err := e.cache.GetAnswer(ctx, key, &answer)
	if err != nil {
		logger.Warn("Answer cache read failed", zap.Error(err))
		return answer, false
	}
	if ok {
		metrics.CacheHits.WithLabelValues("answer").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}
	return answer, ok
}

func (e *Engine) storeAnswer(ctx context.Context, key string, answer models.Answer) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetAnswer(context.WithoutCancel(ctx), key, answer, e.cacheTTL); err != nil {
		logger.Warn("Answer cache write failed", zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, id, question string, answer models.Answer, latency time.Duration) {
	if e.recorder == nil {
		return
	}
	rec := &models.QueryRecord{
		ID:          id,
		Question:    question,
		Answer:      answer.Text,
		Confidence:  answer.Confidence,
		Band:        answer.Band,
		SourceCount: len(answer.Sources),
		Degraded:    answer.Degraded,
		LatencyMS:   latency.Milliseconds(),
		CreatedAt:   time.Now(),
	}
	if err := e.recorder.InsertQueryRecord(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("Failed to record query", zap.String("query_id", id), zap.Error(err))
	}
}
