package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/logger"
)

// HistoryLister is implemented by storage/sqlite.
type HistoryLister interface {
	RecentQueries(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type QueryHandler struct {
	queryEngine *query.Engine
	history     HistoryLister
}

// NewQueryHandler wires the query endpoints. history may be nil when the
// registry backend keeps no query log.
func NewQueryHandler(queryEngine *query.Engine, history HistoryLister) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
		history:     history,
	}
}

type queryRequest struct {
	Question    string                    `json:"question"`
	ChatHistory []models.ConversationTurn `json:"chat_history"`
	MaxSources  *int                      `json:"max_sources"`
}

func (r queryRequest) toModel() models.QueryRequest {
	return models.QueryRequest{
		Question:   r.Question,
		History:    r.ChatHistory,
		MaxSources: r.MaxSources,
	}
}

type queryResponse struct {
	QueryID        string            `json:"query_id"`
	Answer         string            `json:"answer"`
	Sources        []models.Citation `json:"sources"`
	Confidence     *float64          `json:"confidence"`
	ConfidenceBand string            `json:"confidence_band"`
	Timestamp      time.Time         `json:"timestamp"`
	Degraded       bool              `json:"degraded"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	LatencyMS      int64             `json:"latency_ms"`
	Cached         bool              `json:"cached"`
}

func newQueryResponse(resp *query.Response) queryResponse {
	sources := resp.Answer.Sources
	if sources == nil {
		sources = []models.Citation{}
	}
	return queryResponse{
		QueryID:        resp.ID,
		Answer:         resp.Answer.Text,
		Sources:        sources,
		Confidence:     resp.Answer.Confidence,
		ConfidenceBand: string(resp.Answer.Band),
		Timestamp:      resp.Answer.Timestamp,
		Degraded:       resp.Answer.Degraded,
		DegradedReason: resp.Answer.DegradedReason,
		LatencyMS:      resp.LatencyMS,
		Cached:         resp.Cached,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), req.toModel())
	if err != nil {
		return writeError(c, err, "Failed to process query")
	}

	return c.JSON(newQueryResponse(response))
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Query history is not recorded by the configured registry",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 100",
		})
	}

	records, err := h.history.RecentQueries(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to read query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read query history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"id":              r.ID,
			"question":        r.Question,
			"answer":          r.Answer,
			"confidence":      r.Confidence,
			"confidence_band": r.Band,
			"source_count":    r.SourceCount,
			"degraded":        r.Degraded,
			"latency_ms":      r.LatencyMS,
			"created_at":      r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}

// writeError maps validation errors to 400 with their message and hides everything else behind a 500.
func writeError(c *fiber.Ctx, err error, fallback string) error {
	if ragerr.IsValidation(err) {
		var re *ragerr.Error
		msg := err.Error()
		if errors.As(err, &re) && re.Message != "" {
			msg = re.Message
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": msg,
		})
	}

	logger.Error(fallback, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fallback,
	})
}
