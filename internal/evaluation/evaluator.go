package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

// Answerer is implemented by query.Engine.
type Answerer interface {
	ProcessQuery(ctx context.Context, req models.QueryRequest) (*query.Response, error)
}

type Evaluator struct {
	answerer Answerer
	embedder embedding.Embedder
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

type DatasetItem struct {
	Question        string   `json:"question"`
	GroundTruth     string   `json:"ground_truth"`
	ExpectedSources []string `json:"expected_sources"`
	Category        string   `json:"category"`
}

type ItemResult struct {
	Question   string                `json:"question"`
	Category   string                `json:"category,omitempty"`
	Hit        *bool                 `json:"hit,omitempty"`
	Band       models.ConfidenceBand `json:"band"`
	Confidence *float64              `json:"confidence"`
	Cosine     *float64              `json:"cosine,omitempty"`
	Degraded   bool                  `json:"degraded"`
	LatencyMS  int64                 `json:"latency_ms"`
	Error      string                `json:"error,omitempty"`
}

type Report struct {
	TotalQueries int                           `json:"total_queries"`
	Failed       int                           `json:"failed"`
	Degraded     int                           `json:"degraded"`
	Scored       int                           `json:"scored"`
	Hits         int                           `json:"hits"`
	HitRate      float64                       `json:"hit_rate"`
	Bands        map[models.ConfidenceBand]int `json:"bands"`
	AvgCosine    float64                       `json:"avg_cosine"`
	AvgLatencyMS float64                       `json:"avg_latency_ms"`
	Items        []ItemResult                  `json:"items"`
}

// NewEvaluator builds an evaluator. embedder may be nil, in which case answer
// similarity to the ground truth is not computed.
func NewEvaluator(answerer Answerer, embedder embedding.Embedder) *Evaluator {
	return &Evaluator{
		answerer: answerer,
		embedder: embedder,
	}
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	if len(dataset.Items) == 0 {
		return nil, fmt.Errorf("dataset has no items")
	}
	return &dataset, nil
}

func (e *Evaluator) EvaluateItem(ctx context.Context, item DatasetItem) ItemResult {
	result := ItemResult{Question: item.Question, Category: item.Category, Band: models.BandUnknown}

	resp, err := e.answerer.ProcessQuery(ctx, models.QueryRequest{Question: item.Question})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	answer := resp.Answer
	result.Band = answer.Band
	result.Confidence = answer.Confidence
	result.Degraded = answer.Degraded
	result.LatencyMS = resp.LatencyMS

	if len(item.ExpectedSources) > 0 {
		hit := sourceHit(answer.Sources, item.ExpectedSources)
		result.Hit = &hit
	}

	if e.embedder != nil && item.GroundTruth != "" && !answer.Degraded {
		vecs, err := e.embedder.Embed(ctx, []string{answer.Text, item.GroundTruth})
		if err != nil {
			logger.Warn("Failed to embed answer for comparison", zap.String("question", item.Question), zap.Error(err))
		} else {
			cos := vector.Cosine(vecs[0], vecs[1])
			result.Cosine = &cos
		}
	}

	return result
}

func sourceHit(sources []models.Citation, expected []string) bool {
	want := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		want[strings.ToLower(name)] = struct{}{}
	}
	for _, s := range sources {
		if _, ok := want[strings.ToLower(s.Filename)]; ok {
			return true
		}
	}
	return false
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		TotalQueries: len(dataset.Items),
		Bands:        make(map[models.ConfidenceBand]int),
		Items:        make([]ItemResult, 0, len(dataset.Items)),
	}

	var totalCosine float64
	var totalLatency int64
	var cosineSamples int
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation interrupted: %w", err)
		}
		logger.Info("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(dataset.Items)))

		r := e.EvaluateItem(ctx, item)
		report.Items = append(report.Items, r)

		if r.Error != "" {
			report.Failed++
			logger.Error("Failed to evaluate query", zap.String("question", item.Question), zap.String("error", r.Error))
			continue
		}

		report.Bands[r.Band]++
		totalLatency += r.LatencyMS
		if r.Degraded {
			report.Degraded++
		}
		if r.Hit != nil {
			report.Scored++
			if *r.Hit {
				report.Hits++
			}
		}
		if r.Cosine != nil {
			totalCosine += *r.Cosine
			cosineSamples++
		}
	}

	if answered := report.TotalQueries - report.Failed; answered > 0 {
		report.AvgLatencyMS = float64(totalLatency) / float64(answered)
	}
	if report.Scored > 0 {
		report.HitRate = float64(report.Hits) / float64(report.Scored)
	}
	if cosineSamples > 0 {
		report.AvgCosine = totalCosine / float64(cosineSamples)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("failed", report.Failed),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("avg_cosine", report.AvgCosine),
	)

	return report, nil
}

func GenerateReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Evaluation Report
=================

Total Queries: %d
Failed: %d
Degraded: %d
Average Latency: %.0f ms

Retrieval Hit Rate: %.1f%% (%d / %d)
Answer / Ground Truth Cosine: %.3f

Confidence Bands:
`,
		report.TotalQueries,
		report.Failed,
		report.Degraded,
		report.AvgLatencyMS,
		report.HitRate*100, report.Hits, report.Scored,
		report.AvgCosine,
	)

	bands := make([]string, 0, len(report.Bands))
	for band := range report.Bands {
		bands = append(bands, string(band))
	}
	sort.Strings(bands)
	for _, band := range bands {
		n := report.Bands[models.ConfidenceBand(band)]
		fmt.Fprintf(&b, "- %s: %d\n", band, n)
	}

	return b.String()
}
