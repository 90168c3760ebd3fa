package extractor

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/docquery/docquery/llm"
)

// ocrPrompt asks the vision model for a verbatim transcription rather than
// a description.
const ocrPrompt = `Transcribe all text visible in this image exactly as written. ` +
	`Preserve the reading order. Output only the transcribed text with no commentary. ` +
	`If the image contains no text, describe its content in one short paragraph.`

// ImageExtractor runs OCR over images through a vision-capable LLM
// provider. Registered only when a vision provider is configured.
type ImageExtractor struct {
	provider llm.VisionProvider
	model    string
}

// NewImageExtractor creates an image extractor backed by a vision provider.
func NewImageExtractor(provider llm.VisionProvider, model string) *ImageExtractor {
	return &ImageExtractor{provider: provider, model: model}
}

func (e *ImageExtractor) MIMETypes() []string {
	return []string{
		"image/png",
		"image/jpeg",
		"image/tiff",
		"image/bmp",
		"image/gif",
		"image/webp",
	}
}

func (e *ImageExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	mimeType := mimeFromImagePath(path)
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := e.provider.ChatWithImages(ctx, llm.VisionChatRequest{
		Model: e.model,
		Messages: []llm.VisionMessage{{
			Role: "user",
			Content: []llm.ContentPart{
				{Type: "text", Text: ocrPrompt},
				{Type: "image_url", ImageURL: &llm.ImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: 4000,
	})
	if err != nil {
		return nil, fmt.Errorf("vision OCR: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, nil
	}
	return []Segment{{Text: text}}, nil
}

func mimeFromImagePath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".bmp"):
		return "image/bmp"
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return "image/tiff"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
