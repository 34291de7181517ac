package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/storage/models"
)

type scriptedAnswerer map[string]*query.Response

func (s scriptedAnswerer) ProcessQuery(ctx context.Context, req models.QueryRequest) (*query.Response, error) {
	resp, ok := s[req.Question]
	if !ok {
		return nil, errors.New("no answer")
	}
	return resp, nil
}

func score(v float64) *float64 { return &v }

func TestLoadDatasetFromJSON(t *testing.T) {
	ds, err := LoadDatasetFromJSON([]byte(`{"items":[{"question":"Q","expected_sources":["a.pdf"]}]}`))
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)
	assert.Equal(t, []string{"a.pdf"}, ds.Items[0].ExpectedSources)

	_, err = LoadDatasetFromJSON([]byte(`{"items":[]}`))
	assert.Error(t, err)
	_, err = LoadDatasetFromJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestRunDatasetEvaluation(t *testing.T) {
	answerer := scriptedAnswerer{
		"kira": {Answer: models.Answer{
			Text:       "Kira her ay ödenir.",
			Confidence: score(0.8),
			Band:       models.BandHigh,
			Sources:    []models.Citation{{Filename: "TBK.pdf"}},
		}, LatencyMS: 100},
		"ihtar": {Answer: models.Answer{
			Text:       "Bilinmiyor.",
			Confidence: score(0.4),
			Band:       models.BandLow,
			Sources:    []models.Citation{{Filename: "hmk.pdf"}},
		}, LatencyMS: 300},
		"down": {Answer: models.Answer{
			Text:     "fallback",
			Band:     models.BandUnknown,
			Degraded: true,
		}, LatencyMS: 200},
	}
	ds := &Dataset{Items: []DatasetItem{
		{Question: "kira", GroundTruth: "Kira her ay ödenir.", ExpectedSources: []string{"tbk.pdf"}},
		{Question: "ihtar", ExpectedSources: []string{"tbk.pdf"}},
		{Question: "down", GroundTruth: "x"},
		{Question: "missing"},
	}}

	report, err := NewEvaluator(answerer, embedding.NewHashing(32)).RunDatasetEvaluation(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalQueries)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Degraded)
	assert.Equal(t, 2, report.Scored)
	assert.Equal(t, 1, report.Hits)
	assert.InDelta(t, 0.5, report.HitRate, 1e-9)
	assert.InDelta(t, 1.0, report.AvgCosine, 1e-6)
	assert.InDelta(t, 200.0, report.AvgLatencyMS, 1e-9)
	assert.Equal(t, 1, report.Bands[models.BandHigh])
	assert.Equal(t, 1, report.Bands[models.BandLow])
	assert.Equal(t, 1, report.Bands[models.BandUnknown])

	text := GenerateReport(report)
	assert.Contains(t, text, "Retrieval Hit Rate: 50.0% (1 / 2)")
	assert.Contains(t, text, "- high: 1")
}

func TestRunDatasetEvaluationStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEvaluator(scriptedAnswerer{}, nil).RunDatasetEvaluation(ctx, &Dataset{Items: []DatasetItem{{Question: "q"}}})
	assert.ErrorIs(t, err, context.Canceled)
}
