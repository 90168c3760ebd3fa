package rag

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/docquery/docquery/search"
)

// citationPattern matches bracketed integer markers like [1].
var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// Citation binds one marker from the generated text to its source chunk.
type Citation struct {
	Number           int     `json:"number"`
	ChunkID          int64   `json:"chunk_id"`
	DocumentID       int64   `json:"document_id"`
	DocumentFilename string  `json:"document_filename"`
	PageNumber       *int    `json:"page_number"`
	ChunkIndex       int     `json:"chunk_index"`
	Score            float64 `json:"score"`
	ContentPreview   string  `json:"content_preview"`
}

// previewLen is how much chunk content a citation carries.
const previewLen = 200

// ExtractCitations returns every marker integer in the text, in appearance
// order, duplicates included.
func ExtractCitations(text string) []int {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue // unreachable for \d+ short of overflow
		}
		out = append(out, n)
	}
	return out
}

// ValidateCitations checks that every marker lies in [1, n]. Violations are
// reported but callers treat them as advisory: an out-of-range citation is
// dropped from binding, never surfaced as a request error.
func ValidateCitations(text string, n int) (bool, []string) {
	var violations []string
	for _, num := range ExtractCitations(text) {
		if num < 1 {
			violations = append(violations, fmt.Sprintf("invalid citation number [%d] (must be >= 1)", num))
		} else if num > n {
			violations = append(violations, fmt.Sprintf("citation [%d] exceeds available sources (max [%d])", num, n))
		}
	}
	return len(violations) == 0, violations
}

// BindCitations maps each unique in-range marker to its source, in
// first-appearance order.
func BindCitations(text string, sources []search.Result) []Citation {
	seen := make(map[int]bool)
	var citations []Citation

	for _, num := range ExtractCitations(text) {
		if seen[num] {
			continue
		}
		seen[num] = true

		idx := num - 1
		if idx < 0 || idx >= len(sources) {
			continue
		}
		src := sources[idx]
		citations = append(citations, Citation{
			Number:           num,
			ChunkID:          src.ChunkID,
			DocumentID:       src.DocumentID,
			DocumentFilename: src.DocumentFilename,
			PageNumber:       src.PageNumber,
			ChunkIndex:       src.ChunkIndex,
			Score:            src.Score,
			ContentPreview:   preview(src.Content),
		})
	}
	return citations
}

func preview(content string) string {
	if len(content) <= previewLen {
		return content
	}
	return content[:previewLen] + "..."
}
