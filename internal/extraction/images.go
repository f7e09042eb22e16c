package extraction

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type PageImage struct {
	Ext  string
	Data []byte
}

// ImageSource lists the embedded images of each page of a PDF.
type ImageSource interface {
	PageImages(ctx context.Context, path string) (pageCount int, images map[int][]PageImage, err error)
}

// PDFImageSource reads embedded page images with pdfcpu.
type PDFImageSource struct{}

func (PDFImageSource) PageImages(ctx context.Context, path string) (int, map[int][]PageImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pageCount, err := api.PageCount(f, conf)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count pages: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, err
	}

	raw, err := api.ExtractImagesRaw(f, nil, conf)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to extract images: %w", err)
	}

	images := make(map[int][]PageImage)
	for _, byObj := range raw {
		for _, img := range byObj {
			if err := ctx.Err(); err != nil {
				return 0, nil, err
			}
			data, err := io.ReadAll(img)
			if err != nil {
				return 0, nil, fmt.Errorf("failed to read image on page %d: %w", img.PageNr, err)
			}
			images[img.PageNr] = append(images[img.PageNr], PageImage{
				Ext:  imageExt(img.FileType),
				Data: data,
			})
		}
	}
	return pageCount, images, nil
}

func imageExt(fileType string) string {
	ext := strings.TrimPrefix(strings.ToLower(fileType), ".")
	if ext == "" {
		return "png"
	}
	return ext
}
