// Package extraction pulls plain text out of uploaded files.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrExtraction        = errors.New("text extraction failed")
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file format", ErrExtraction)
)

// CommandRunner runs an external tool and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

type Config struct {
	PdfToText   string
	Tesseract   string
	OCRLanguage string
}

type Extractor struct {
	runner    CommandRunner
	images    ImageSource
	pdftotext string
	tesseract string
	language  string
}

type Option func(*Extractor)

func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) { e.runner = r }
}

func WithImageSource(s ImageSource) Option {
	return func(e *Extractor) { e.images = s }
}

func New(cfg Config, opts ...Option) *Extractor {
	e := &Extractor{
		runner:    execRunner{},
		images:    PDFImageSource{},
		pdftotext: cfg.PdfToText,
		tesseract: cfg.Tesseract,
		language:  cfg.OCRLanguage,
	}
	if e.pdftotext == "" {
		e.pdftotext = "pdftotext"
	}
	if e.tesseract == "" {
		e.tesseract = "tesseract"
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractText returns the text of the file at path. Unreadable or corrupt
// files fail with an error wrapping ErrExtraction.
func (e *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return e.extractPDF(ctx, path)
	case ".txt", ".md", ".text":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		return string(data), nil
	case ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		return cleanHTML(string(data))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}
