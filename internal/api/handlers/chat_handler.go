package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/middleware/validation"
	"github.com/northoaks/contract-ai/backend/internal/query"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

type ChatService interface {
	CreateSession(ctx context.Context, ownerID string, sessionType models.SessionType, documentIDs []int64) (*models.ChatSession, error)
	CreateChatMessage(ctx context.Context, sessionID int64, text string) (*query.Message, error)
	GetSessionMessages(ctx context.Context, sessionID int64) ([]query.Message, error)
}

type ChatHandler struct {
	service         ChatService
	maxMessageChars int
}

func NewChatHandler(service ChatService, maxMessageChars int) *ChatHandler {
	if maxMessageChars <= 0 {
		maxMessageChars = 4000
	}
	return &ChatHandler{
		service:         service,
		maxMessageChars: maxMessageChars,
	}
}

type createSessionRequest struct {
	Type        string  `json:"type" validate:"required,oneof=single comparison"`
	DocumentIDs []int64 `json:"document_ids" validate:"dive,gt=0"`
}

func (h *ChatHandler) CreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := validation.ParseBody(c, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	session, err := h.service.CreateSession(c.Context(), ownerID(c), models.SessionType(req.Type), req.DocumentIDs)
	switch {
	case errors.Is(err, query.ErrDocumentNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	case errors.Is(err, query.ErrInvalidSession):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case err != nil:
		logger.Error("Failed to create session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":           session.ID,
		"type":         session.Type,
		"document_ids": session.DocumentIDs,
		"created_at":   session.CreatedAt,
	})
}

type createMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

func (h *ChatHandler) CreateMessage(c *fiber.Ctx) error {
	sessionID, err := c.ParamsInt("id")
	if err != nil || sessionID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session id",
		})
	}

	var req createMessageRequest
	if err := validation.ParseBody(c, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	text := validation.SanitizeString(req.Text)
	if len([]rune(text)) > h.maxMessageChars {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message exceeds maximum length",
		})
	}

	msg, err := h.service.CreateChatMessage(c.Context(), int64(sessionID), text)
	switch {
	case errors.Is(err, query.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	case errors.Is(err, query.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message text is required",
		})
	case err != nil:
		logger.Error("Failed to create chat message", zap.Int("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (h *ChatHandler) ListMessages(c *fiber.Ctx) error {
	sessionID, err := c.ParamsInt("id")
	if err != nil || sessionID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session id",
		})
	}

	messages, err := h.service.GetSessionMessages(c.Context(), int64(sessionID))
	if errors.Is(err, query.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	if err != nil {
		logger.Error("Failed to list messages", zap.Int("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list messages",
		})
	}

	return c.JSON(fiber.Map{
		"messages": messages,
	})
}
