package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legal_rag_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legal_rag_confidence_score",
			Help:    "Answer confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	ConfidenceBand = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_confidence_band_total",
			Help: "Answers per confidence band",
		},
		[]string{"band"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legal_rag_retrieval_results_count",
			Help:    "Number of sources returned per query",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	SynthesisFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_synthesis_fallbacks_total",
			Help: "Answers replaced by the fallback message",
		},
		[]string{"reason"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legal_rag_documents_processed_total",
			Help: "Documents processed by outcome",
		},
		[]string{"status"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legal_rag_chunks_indexed_total",
			Help: "Total chunks committed to the index",
		},
	)

	IndexedDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legal_rag_indexed_documents",
			Help: "Distinct filenames currently indexed",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(ConfidenceBand)
		prometheus.MustRegister(RetrievalResultsCount)
		prometheus.MustRegister(SynthesisFallbacks)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(DocumentsProcessed)
		prometheus.MustRegister(ChunksIndexed)
		prometheus.MustRegister(IndexedDocuments)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
