package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/docquery/docquery/llm"
)

// AudioExtractor transcribes audio files through a provider's
// transcription endpoint. Registered only when the configured provider
// implements llm.Transcriber.
type AudioExtractor struct {
	transcriber llm.Transcriber
}

// NewAudioExtractor creates an audio extractor backed by a transcriber.
func NewAudioExtractor(t llm.Transcriber) *AudioExtractor {
	return &AudioExtractor{transcriber: t}
}

func (e *AudioExtractor) MIMETypes() []string {
	return []string{
		"audio/mpeg",
		"audio/mp3",
		"audio/wav",
		"audio/x-wav",
		"audio/m4a",
		"audio/mp4",
		"audio/ogg",
		"audio/flac",
	}
}

func (e *AudioExtractor) Extract(ctx context.Context, path string) ([]Segment, error) {
	text, err := e.transcriber.Transcribe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("transcribing audio: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return []Segment{{Text: text}}, nil
}
