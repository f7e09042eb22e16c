package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

func (e *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	out, err := e.runner.Run(ctx, e.pdftotext, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return "", fmt.Errorf("%w: pdftotext: %w", ErrExtraction, err)
	}

	text := string(out)
	if strings.TrimSpace(strings.ReplaceAll(text, "\f", "")) != "" {
		return text, nil
	}

	logger.Info("PDF has no text layer, falling back to OCR", zap.String("path", path))
	return e.ocrPDF(ctx, path)
}

// ocrPDF runs OCR over each page's embedded images. Pages with no images
// are skipped; a page whose OCR fails is logged and skipped.
func (e *Extractor) ocrPDF(ctx context.Context, path string) (string, error) {
	pageCount, images, err := e.images.PageImages(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: read page images: %w", ErrExtraction, err)
	}

	tmpDir, err := os.MkdirTemp("", "ocr-*")
	if err != nil {
		return "", fmt.Errorf("failed to create OCR workspace: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var pages []string
	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		imgs := images[page]
		if len(imgs) == 0 {
			logger.Info("Page has no images, skipping OCR", zap.String("path", path), zap.Int("page", page))
			continue
		}

		var parts []string
		for i, img := range imgs {
			text, err := e.ocrImage(ctx, tmpDir, page, i, img)
			if err != nil {
				logger.Warn("OCR failed for page image",
					zap.String("path", path),
					zap.Int("page", page),
					zap.Int("image", i),
					zap.Error(err),
				)
				continue
			}
			if t := strings.TrimSpace(text); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			pages = append(pages, strings.Join(parts, "\n"))
		}
	}

	logger.Info("OCR completed", zap.String("path", path), zap.Int("pages", pageCount), zap.Int("pages_with_text", len(pages)))
	return strings.Join(pages, "\n\n"), nil
}

func (e *Extractor) ocrImage(ctx context.Context, dir string, page, idx int, img PageImage) (string, error) {
	name := filepath.Join(dir, fmt.Sprintf("page-%03d-%02d.%s", page, idx, img.Ext))
	if err := os.WriteFile(name, img.Data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write page image: %w", err)
	}

	args := []string{name, "stdout"}
	if e.language != "" {
		args = append(args, "-l", e.language)
	}
	out, err := e.runner.Run(ctx, e.tesseract, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
