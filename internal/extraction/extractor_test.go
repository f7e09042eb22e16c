package extraction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner answers pdftotext and tesseract calls from canned output.
type mockRunner struct {
	pdfText  string
	pdfErr   error
	ocrText  map[string]string
	ocrErr   map[string]error
	commands []string
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.commands = append(m.commands, name)
	switch name {
	case "pdftotext":
		return []byte(m.pdfText), m.pdfErr
	case "tesseract":
		base := filepath.Base(args[0])
		if err := m.ocrErr[base]; err != nil {
			return nil, err
		}
		return []byte(m.ocrText[base]), nil
	}
	return nil, errors.New("unexpected command " + name)
}

type fakeImages struct {
	pages  int
	images map[int][]PageImage
	err    error
}

func (f fakeImages) PageImages(context.Context, string) (int, map[int][]PageImage, error) {
	return f.pages, f.images, f.err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractPDFTextLayer(t *testing.T) {
	runner := &mockRunner{pdfText: "Page one text.\fPage two text."}
	e := New(Config{}, WithRunner(runner), WithImageSource(fakeImages{}))

	text, err := e.ExtractText(context.Background(), writeFile(t, "c.pdf", "%PDF"))
	require.NoError(t, err)
	assert.Contains(t, text, "Page two text.")
	assert.Equal(t, []string{"pdftotext"}, runner.commands)
}

func TestExtractPDFFallsBackToOCR(t *testing.T) {
	runner := &mockRunner{
		pdfText: "\f\f  \f",
		ocrText: map[string]string{
			"page-001-00.png": "Scanned first page.",
			"page-003-00.jpg": "Scanned third page.",
		},
	}
	images := fakeImages{pages: 3, images: map[int][]PageImage{
		1: {{Ext: "png", Data: []byte{1}}},
		3: {{Ext: "jpg", Data: []byte{3}}},
	}}
	e := New(Config{OCRLanguage: "eng"}, WithRunner(runner), WithImageSource(images))

	text, err := e.ExtractText(context.Background(), writeFile(t, "scan.pdf", "%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "Scanned first page.\n\nScanned third page.", text)
	assert.Equal(t, []string{"pdftotext", "tesseract", "tesseract"}, runner.commands)
}

func TestExtractPDFOCRPageFailureIsSkipped(t *testing.T) {
	runner := &mockRunner{
		ocrText: map[string]string{"page-002-00.png": "Readable."},
		ocrErr:  map[string]error{"page-001-00.png": errors.New("tesseract crashed")},
	}
	images := fakeImages{pages: 2, images: map[int][]PageImage{
		1: {{Ext: "png", Data: []byte{1}}},
		2: {{Ext: "png", Data: []byte{2}}},
	}}
	e := New(Config{}, WithRunner(runner), WithImageSource(images))

	text, err := e.ExtractText(context.Background(), writeFile(t, "scan.pdf", "%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "Readable.", text)
}

func TestExtractPDFCorruptFails(t *testing.T) {
	runner := &mockRunner{pdfErr: errors.New("Syntax Error: Couldn't find trailer dictionary")}
	e := New(Config{}, WithRunner(runner), WithImageSource(fakeImages{}))

	_, err := e.ExtractText(context.Background(), writeFile(t, "bad.pdf", "garbage"))
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractPDFImageReadFailure(t *testing.T) {
	e := New(Config{}, WithRunner(&mockRunner{}), WithImageSource(fakeImages{err: errors.New("xref broken")}))

	_, err := e.ExtractText(context.Background(), writeFile(t, "bad.pdf", "%PDF"))
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractPlainText(t *testing.T) {
	e := New(Config{})
	text, err := e.ExtractText(context.Background(), writeFile(t, "notes.txt", "Clause 1. Clause 2."))
	require.NoError(t, err)
	assert.Equal(t, "Clause 1. Clause 2.", text)
}

func TestExtractHTML(t *testing.T) {
	html := `<html><head><title>x</title><script>var a=1;</script></head>
	<body><nav>Menu</nav><h1>Lease</h1><p>The tenant pays rent.</p><p>Notice is  30 days.</p></body></html>`

	e := New(Config{})
	text, err := e.ExtractText(context.Background(), writeFile(t, "lease.html", html))
	require.NoError(t, err)
	assert.Equal(t, "Lease\nThe tenant pays rent.\nNotice is 30 days.", text)
	assert.False(t, strings.Contains(text, "Menu"))
}

func TestExtractUnsupportedAndMissing(t *testing.T) {
	e := New(Config{})

	_, err := e.ExtractText(context.Background(), writeFile(t, "sheet.xlsx", "x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = e.ExtractText(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, ErrExtraction)
}
