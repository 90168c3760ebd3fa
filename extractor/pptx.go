package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PPTXExtractor extracts slide text, one segment per slide with the slide
// number as the page.
type PPTXExtractor struct{}

func (e *PPTXExtractor) MIMETypes() []string {
	return []string{
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	}
}

func (e *PPTXExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening PPTX: %w", err)
	}
	defer r.Close()

	// Collect slide files (ppt/slides/slide1.xml, slide2.xml, ...)
	slideFiles := make(map[int]*zip.File)
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			if num := slideNumber(f.Name); num > 0 {
				slideFiles[num] = f
			}
		}
	}

	nums := make([]int, 0, len(slideFiles))
	for n := range slideFiles {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var segments []Segment
	for _, num := range nums {
		rc, err := slideFiles[num].Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		if text := slideText(data); text != "" {
			segments = append(segments, Segment{Page: num, Text: text})
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("no text found in PPTX")
	}
	return segments, nil
}

func slideNumber(name string) int {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0
	}
	return n
}

// slideText collects a:t runs from DrawingML, one line per paragraph.
func slideText(slideXML []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(slideXML))

	var out strings.Builder
	var body strings.Builder
	inText := false

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(body.String()); p != "" {
					out.WriteString(p)
					out.WriteString("\n")
				}
				body.Reset()
			}
		case xml.CharData:
			if inText {
				body.Write(t)
			}
		}
	}

	if p := strings.TrimSpace(body.String()); p != "" {
		out.WriteString(p)
	}
	return strings.TrimSpace(out.String())
}
