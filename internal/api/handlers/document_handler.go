package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/catalog"
	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/indexer"
	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/internal/prompt"
	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/retrieval"
	"github.com/legal-rag/backend/pkg/logger"
)

type DocumentHandler struct {
	indexer       *indexer.Indexer
	catalog       *catalog.Catalog
	embedder      embedding.Embedder
	retriever     *retrieval.Retriever
	queryEngine   *query.Engine
	previewLength int
}

func NewDocumentHandler(ix *indexer.Indexer, cat *catalog.Catalog, embedder embedding.Embedder, retriever *retrieval.Retriever, queryEngine *query.Engine, previewLength int) *DocumentHandler {
	return &DocumentHandler{
		indexer:       ix,
		catalog:       cat,
		embedder:      embedder,
		retriever:     retriever,
		queryEngine:   queryEngine,
		previewLength: previewLength,
	}
}

// UploadDocuments indexes every file in the multipart "files" field.
// Files succeed or fail independently.
func (h *DocumentHandler) UploadDocuments(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		logger.Error("Failed to parse multipart form", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid multipart form",
		})
	}

	files := form.File["files"]
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one file is required in the 'files' field",
		})
	}

	uploads := make([]ingestion.Upload, 0, len(files))
	unreadable := make([]indexer.Failure, 0)
	for _, fh := range files {
		data, err := readFormFile(fh)
		if err != nil {
			logger.Warn("Failed to read uploaded file", zap.String("filename", fh.Filename), zap.Error(err))
			unreadable = append(unreadable, indexer.Failure{
				Filename: fh.Filename,
				Kind:     ragerr.CorruptFile,
				Class:    ragerr.ClassIngestion,
				Error:    err.Error(),
			})
			continue
		}
		uploads = append(uploads, ingestion.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}

	result := h.indexer.IndexBatch(c.UserContext(), uploads)
	for _, f := range unreadable {
		result.FailedFiles = append(result.FailedFiles, f.Filename)
		result.Failures = append(result.Failures, f)
	}

	return c.JSON(result)
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.catalog.Documents(c.UserContext())
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	return c.JSON(fiber.Map{
		"documents": docs,
	})
}

func (h *DocumentHandler) ClearDocuments(c *fiber.Ctx) error {
	if err := h.indexer.Clear(c.UserContext()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
	})
}

// SearchDocuments returns raw retrieval results for a query without calling the language model.
func (h *DocumentHandler) SearchDocuments(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("query"))
	if q == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query parameter is required",
		})
	}

	var limit *int
	if raw := c.Query("limit"); raw != "" {
		n := c.QueryInt("limit", 0)
		limit = &n
	}
	k := h.queryEngine.ClampSources(limit)

	vec, err := embedding.EmbedOne(c.UserContext(), h.embedder, q)
	if err != nil {
		logger.Error("Failed to embed search query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to embed query",
		})
	}

	results, err := h.retriever.Retrieve(c.UserContext(), vec, k)
	if err != nil {
		logger.Error("Failed to search documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to search documents",
		})
	}

	out := make([]fiber.Map, 0, len(results))
	for _, r := range results {
		out = append(out, fiber.Map{
			"rank":        r.Rank,
			"filename":    r.Filename,
			"chunk_index": r.Ordinal,
			"similarity":  r.Similarity,
			"preview":     prompt.Preview(r.Text, h.previewLength),
			"content":     r.Text,
		})
	}

	return c.JSON(fiber.Map{
		"query":   q,
		"results": out,
	})
}
