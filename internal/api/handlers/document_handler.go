package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/documents"
	"github.com/northoaks/contract-ai/backend/internal/middleware/validation"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

var uploadExtensions = []string{".pdf", ".txt", ".md", ".html", ".htm"}

type DocumentService interface {
	Upload(ctx context.Context, ownerID, name, filePath string, visible bool) (*models.Document, error)
	GetDocumentStatus(ctx context.Context, documentID int64) (*documents.Status, error)
	Delete(ctx context.Context, documentID int64) error
}

type DocumentHandler struct {
	service   DocumentService
	uploadDir string
}

func NewDocumentHandler(service DocumentService, uploadDir string) *DocumentHandler {
	return &DocumentHandler{
		service:   service,
		uploadDir: uploadDir,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A file is required",
		})
	}

	name := validation.SanitizeString(filepath.Base(file.Filename))
	if !validation.AllowedExtension(name, uploadExtensions) {
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Only PDF, text, markdown and HTML files are supported",
		})
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		logger.Error("Failed to create upload directory", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store document",
		})
	}

	stored := filepath.Join(h.uploadDir, uuid.New().String()+filepath.Ext(name))
	if err := c.SaveFile(file, stored); err != nil {
		logger.Error("Failed to save uploaded file", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store document",
		})
	}

	visible := c.FormValue("visible", "true") != "false"
	doc, err := h.service.Upload(c.Context(), ownerID(c), name, stored, visible)
	if err != nil {
		logger.Error("Failed to register document", zap.Error(err))
		_ = os.Remove(stored)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to register document",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     doc.ID,
		"name":   doc.Name,
		"status": doc.Status,
	})
}

func (h *DocumentHandler) GetStatus(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid document id",
		})
	}

	status, err := h.service.GetDocumentStatus(c.Context(), int64(id))
	if errors.Is(err, documents.ErrDocumentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get document status", zap.Int("document_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get document status",
		})
	}

	return c.JSON(status)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid document id",
		})
	}

	err = h.service.Delete(c.Context(), int64(id))
	if errors.Is(err, documents.ErrDocumentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}
	if err != nil {
		logger.Error("Failed to delete document", zap.Int("document_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func ownerID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}
