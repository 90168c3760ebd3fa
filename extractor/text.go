package extractor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// TextExtractor handles the plain-text family: txt, markdown, csv, json,
// html, and xml. The whole file becomes one unpaged segment.
type TextExtractor struct{}

func (e *TextExtractor) MIMETypes() []string {
	return []string{
		"text/plain",
		"text/markdown",
		"text/x-markdown",
		"text/html",
		"text/csv",
		"text/x-csv",
		"application/csv",
		"application/json",
		"application/xml",
		"text/xml",
	}
}

func (e *TextExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, nil
	}
	return []Segment{{Text: content}}, nil
}
