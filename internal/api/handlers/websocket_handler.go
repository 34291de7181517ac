package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/query"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/pkg/logger"
)

var stageMessages = map[string]string{
	query.StageEmbedding:  "Embedding question...",
	query.StageRetrieval:  "Searching documents...",
	query.StageGeneration: "Generating answer...",
}

type WebSocketHandler struct {
	queryEngine *query.Engine
}

func NewWebSocketHandler(queryEngine *query.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		queryEngine: queryEngine,
	}
}

type wsMessage struct {
	Type string `json:"type"`
	queryRequest
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			h.sendError(c, "unsupported message type")
			continue
		}

		if err := h.streamResponse(c, msg.queryRequest); err != nil {
			var re *ragerr.Error
			if ragerr.IsValidation(err) && errors.As(err, &re) {
				h.sendError(c, re.Message)
				continue
			}
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req queryRequest) error {
	ctx := context.Background()

	var writeErr error
	progress := func(stage string) {
		if writeErr != nil {
			return
		}
		writeErr = h.send(c, "status", stageMessages[stage])
	}

	response, err := h.queryEngine.ProcessQueryWithProgress(ctx, req.toModel(), progress)
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	words := splitIntoWords(response.Answer.Text)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.send(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":     "complete",
		"response": newQueryResponse(response),
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Warn("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoWords splits on spaces and keeps line breaks as their own tokens.
func splitIntoWords(text string) []string {
	words := []string{}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
