package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor renders each spreadsheet sheet as a pipe-delimited table.
// Sheets map to pages in sheet order.
type XLSXExtractor struct{}

func (e *XLSXExtractor) MIMETypes() []string {
	return []string{
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
}

func (e *XLSXExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var segments []Segment
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var content strings.Builder
		content.WriteString(sheet + "\n")
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		segments = append(segments, Segment{Page: i + 1, Text: content.String()})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}
	return segments, nil
}
