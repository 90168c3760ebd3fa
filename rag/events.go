package rag

import "github.com/docquery/docquery/search"

// Streaming event types, emitted in the order
// status -> search_complete -> sources -> status -> answer_chunk* -> citations -> done.
// The second status precedes generation and is not sent for an empty retrieval.
// An error event may replace any later event and terminates the stream.
const (
	EventStatus         = "status"
	EventSearchComplete = "search_complete"
	EventSources        = "sources"
	EventAnswerChunk    = "answer_chunk"
	EventCitations      = "citations"
	EventDone           = "done"
	EventError          = "error"
)

// EventSink receives streaming events in order. Emit blocks until the
// consumer accepts the event, which is how back-pressure reaches the LLM
// stream; a non-nil error cancels the request.
type EventSink interface {
	Emit(event interface{}) error
}

// StatusEvent is a human-readable progress note.
type StatusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SearchCompleteEvent reports retrieval results count and timing.
type SearchCompleteEvent struct {
	Type         string  `json:"type"`
	SourcesFound int     `json:"sources_found"`
	TimeMs       float64 `json:"time_ms"`
}

// SourcesEvent carries the retrieved sources in rank order.
type SourcesEvent struct {
	Type    string          `json:"type"`
	Sources []search.Result `json:"sources"`
}

// AnswerChunkEvent is one LLM content delta.
type AnswerChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CitationsEvent carries the bound citations for the full answer.
type CitationsEvent struct {
	Type      string     `json:"type"`
	Citations []Citation `json:"citations"`
}

// DoneEvent closes a successful stream with timing metadata.
type DoneEvent struct {
	Type             string  `json:"type"`
	QueryID          string  `json:"query_id"`
	ResponseTimeMs   float64 `json:"response_time_ms"`
	SearchTimeMs     float64 `json:"search_time_ms"`
	GenerationTimeMs float64 `json:"generation_time_ms"`
}

// ErrorEvent terminates the stream.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
