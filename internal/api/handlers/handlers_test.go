package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/catalog"
	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/indexer"
	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/internal/prompt"
	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/retrieval"
	"github.com/legal-rag/backend/internal/status"
	"github.com/legal-rag/backend/internal/storage/memory"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/synthesis"
	vecmem "github.com/legal-rag/backend/internal/vector/memory"
)

const dim = 64

type stubModel struct{ err error }

func (m stubModel) Model() string { return "stub" }

func (m stubModel) Generate(ctx context.Context, system, user string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "Kiracı kirayı zamanında öder [Source 1].", nil
}

type stubHistory struct{ records []models.QueryRecord }

func (h stubHistory) RecentQueries(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	if limit < len(h.records) {
		return h.records[:limit], nil
	}
	return h.records, nil
}

func newTestApp(t *testing.T, model synthesis.LanguageModel, history HistoryLister, checks ...status.Check) *fiber.App {
	t.Helper()
	emb := embedding.NewHashing(dim)
	cat := catalog.New(vecmem.NewStore(dim), memory.NewRegistry())
	ix := indexer.New(ingestion.NewProcessor(500, 50, 1<<20), emb, cat)
	retriever := retrieval.New(cat, retrieval.DefaultConfig())
	engine := query.NewEngine(
		emb,
		retriever,
		prompt.NewAssembler(prompt.Config{HistoryBudgetChars: 2000}),
		synthesis.New(model, synthesis.DefaultConfig()),
		query.Limits{DefaultSources: 5, MaxSources: 10, MaxQuestionChars: 200},
	)
	reporter := status.NewReporter(cat, status.Info{LLMModel: model.Model(), EmbeddingModel: emb.Model()}, checks...)

	docs := NewDocumentHandler(ix, cat, emb, retriever, engine, 200)
	queries := NewQueryHandler(engine, history)
	stats := NewStatusHandler(reporter)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/query", queries.HandleQuery)
	api.Get("/queries", queries.GetQueryHistory)
	api.Post("/documents", docs.UploadDocuments)
	api.Get("/documents", docs.ListDocuments)
	api.Delete("/documents", docs.ClearDocuments)
	api.Get("/documents/search", docs.SearchDocuments)
	api.Get("/stats", stats.Stats)
	api.Get("/health", stats.Health)
	return app
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.WriteString(part, content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func upload(t *testing.T, app *fiber.App, files map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func postQuery(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestUploadReportsPerFileOutcome(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)

	resp := upload(t, app, map[string]string{
		"kira.txt":  "Kiracı, kira bedelini her ayın başında öder.",
		"resim.png": "not a document",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result indexer.BatchResult
	decode(t, resp, &result)
	assert.Equal(t, []string{"kira.txt"}, result.ProcessedFiles)
	assert.Equal(t, []string{"resim.png"}, result.FailedFiles)
	assert.Equal(t, 1, result.TotalChunks)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "resim.png", result.Failures[0].Filename)
}

func TestUploadWithoutFiles(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)

	resp := upload(t, app, map[string]string{})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestListAndClearDocuments(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)
	upload(t, app, map[string]string{"a.txt": "Birinci belge.", "b.txt": "İkinci belge."})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	require.NoError(t, err)
	var listed struct {
		Documents []models.DocumentSummary `json:"documents"`
	}
	decode(t, resp, &listed)
	assert.Len(t, listed.Documents, 2)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/documents", nil))
	require.NoError(t, err)
	var cleared map[string]interface{}
	decode(t, resp, &cleared)
	assert.Equal(t, true, cleared["success"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	require.NoError(t, err)
	decode(t, resp, &listed)
	assert.Empty(t, listed.Documents)
}

func TestQueryEndpoint(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)
	upload(t, app, map[string]string{"kira.txt": "Kiracı, kira bedelini her ayın başında öder."})

	resp := postQuery(t, app, `{"question":"Kiracı, kira bedelini her ayın başında öder.","max_sources":3}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out queryResponse
	decode(t, resp, &out)
	assert.NotEmpty(t, out.QueryID)
	assert.Contains(t, out.Answer, "[Source 1]")
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "kira.txt", out.Sources[0].Filename)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, string(models.BandHigh), out.ConfidenceBand)
	assert.False(t, out.Degraded)
}

func TestQueryWithEmptyCorpus(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)

	resp := postQuery(t, app, `{"question":"Zamanaşımı süresi nedir?"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out queryResponse
	decode(t, resp, &out)
	assert.Empty(t, out.Sources)
	assert.NotNil(t, out.Sources)
	assert.Nil(t, out.Confidence)
}

func TestQueryModelFailureDegrades(t *testing.T) {
	app := newTestApp(t, stubModel{err: errors.New("model down")}, nil)
	upload(t, app, map[string]string{"kira.txt": "Kiracı, kira bedelini her ayın başında öder."})

	resp := postQuery(t, app, `{"question":"kira bedeli"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out queryResponse
	decode(t, resp, &out)
	assert.True(t, out.Degraded)
	assert.Nil(t, out.Confidence)
	assert.Len(t, out.Sources, 1)
}

func TestQueryValidation(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"blank", `{"question":"  "}`},
		{"too long", `{"question":"` + strings.Repeat("a", 201) + `"}`},
		{"bad role", `{"question":"Soru?","chat_history":[{"role":"system","content":"x"}]}`},
		{"malformed", `{"question":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postQuery(t, app, tt.body)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			var out map[string]string
			decode(t, resp, &out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestSearchDocuments(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)
	upload(t, app, map[string]string{"kira.txt": "Kiracı, kira bedelini her ayın başında öder."})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/documents/search?query=kira&limit=2", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out struct {
		Results []map[string]interface{} `json:"results"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "kira.txt", out.Results[0]["filename"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/documents/search", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestQueryHistory(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	app = newTestApp(t, stubModel{}, stubHistory{records: []models.QueryRecord{
		{ID: "q1", Question: "Birinci?"},
		{ID: "q2", Question: "İkinci?"},
	}})
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/queries?limit=1", nil))
	require.NoError(t, err)
	var out struct {
		History []map[string]interface{} `json:"history"`
	}
	decode(t, resp, &out)
	require.Len(t, out.History, 1)
	assert.Equal(t, "q1", out.History[0]["id"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/queries?limit=500", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStatsAndHealth(t *testing.T) {
	app := newTestApp(t, stubModel{}, nil, status.Check{
		Name:  "vector_store",
		Probe: func(ctx context.Context) error { return nil },
	})
	upload(t, app, map[string]string{"a.txt": "Belge."})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.NoError(t, err)
	var stats models.SystemStats
	decode(t, resp, &stats)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.Equal(t, 1, stats.TotalChunks)
	assert.Equal(t, "stub", stats.LLMModel)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	app = newTestApp(t, stubModel{}, nil, status.Check{
		Name:  "vector_store",
		Probe: func(ctx context.Context) error { return errors.New("unreachable") },
	})
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"Madde", "1", "\n", "Hüküm"}, splitIntoWords("Madde 1\nHüküm"))
	assert.Empty(t, splitIntoWords(""))
}
