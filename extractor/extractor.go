// Package extractor converts uploaded files into page- or segment-tagged
// text. One adapter exists per modality; the registry dispatches by MIME
// type, with registration fixed at startup.
package extractor

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupported is returned for MIME types with no registered extractor.
var ErrUnsupported = errors.New("extractor: unsupported MIME type")

// Segment is one extracted unit of text. Page is 1-based for paginated
// formats and 0 when the format has no page concept.
type Segment struct {
	Page int
	Text string
}

// Extractor converts one file modality into segments.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]Segment, error)
	MIMETypes() []string
}

// Registry dispatches extraction by MIME type.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry returns a registry with the always-available adapters
// registered (PDF, office formats, plain text). Image and audio adapters
// depend on providers and are registered by the caller when configured.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	for _, e := range []Extractor{
		&PDFExtractor{},
		&TextExtractor{},
		&DOCXExtractor{},
		&PPTXExtractor{},
		&XLSXExtractor{},
	} {
		r.Register(e)
	}
	return r
}

// Register adds an extractor for every MIME type it reports. Later
// registrations win, so configured adapters can override the defaults.
func (r *Registry) Register(e Extractor) {
	for _, mt := range e.MIMETypes() {
		r.extractors[mt] = e
	}
}

// Get returns the extractor for a MIME type.
func (r *Registry) Get(mimeType string) (Extractor, error) {
	e, ok := r.extractors[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
	return e, nil
}

// Supported reports whether a MIME type has a registered extractor.
func (r *Registry) Supported(mimeType string) bool {
	_, ok := r.extractors[mimeType]
	return ok
}
