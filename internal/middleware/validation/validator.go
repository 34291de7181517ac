package validation

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var markupPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	QueryPath        string
	UploadPath       string
	MaxQuestionChars int
	Logger           *zap.Logger
}

// Middleware rejects malformed requests before they reach a handler. The query
// handler still runs full request validation; this only screens the envelope.
func Middleware(cfg Config) fiber.Handler {
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/api/v1/query"
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = "/api/v1/documents"
	}
	if cfg.MaxQuestionChars <= 0 {
		cfg.MaxQuestionChars = 4000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		switch c.Path() {
		case cfg.QueryPath:
			if !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
				return unsupported(c, fiber.MIMEApplicationJSON)
			}
			return checkQuery(c, cfg)

		case cfg.UploadPath:
			if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
				return unsupported(c, fiber.MIMEMultipartForm)
			}
		}

		return c.Next()
	}
}

func checkQuery(c *fiber.Ctx, cfg Config) error {
	var req struct {
		Question *string `json:"question"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	if req.Question == nil || strings.TrimSpace(*req.Question) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "question is required and must be a non-empty string",
		})
	}

	if utf8.RuneCountInString(*req.Question) > cfg.MaxQuestionChars {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "question exceeds maximum length",
		})
	}

	if strings.ContainsRune(*req.Question, 0) || markupPattern.MatchString(*req.Question) {
		cfg.Logger.Warn("Rejected question with markup or control content",
			zap.String("ip", c.IP()),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid question content",
		})
	}

	return c.Next()
}

func unsupported(c *fiber.Ctx, want string) error {
	return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
		"error": "Unsupported content type, expected " + want,
	})
}
