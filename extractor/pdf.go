package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts per-page plain text from PDF files.
type PDFExtractor struct{}

func (e *PDFExtractor) MIMETypes() []string {
	return []string{"application/pdf"}
}

func (e *PDFExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	segments := make([]Segment, 0, totalPages)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		segments = append(segments, Segment{Page: i, Text: text})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF (%d pages)", totalPages)
	}
	return segments, nil
}
