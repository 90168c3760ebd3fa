// Package rag composes hybrid retrieval, prompt assembly, LLM generation,
// and citation binding into single-shot and streaming answer operations.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/search"
	"github.com/docquery/docquery/store"
)

// ErrGenerationFailed wraps LLM failures so the HTTP layer can map them to
// a 502 distinct from retrieval errors.
var ErrGenerationFailed = errors.New("rag: answer generation failed")

// Config holds orchestrator defaults.
type Config struct {
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int
	LLMTimeout         time.Duration
}

// Request is one RAG invocation. Zero values fall back to the configured
// defaults.
type Request struct {
	Query       string
	K           int
	Mode        string
	Alpha       float64
	Model       string
	Temperature *float64
	MaxTokens   int
	UserID      int64
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the full non-streaming answer.
type Response struct {
	QueryID          string          `json:"query_id"`
	QueryText        string          `json:"query_text"`
	Answer           string          `json:"answer"`
	Citations        []Citation      `json:"citations"`
	Sources          []search.Result `json:"sources"`
	Model            string          `json:"model"`
	Usage            Usage           `json:"usage"`
	ResponseTimeMs   float64         `json:"response_time_ms"`
	SearchTimeMs     float64         `json:"search_time_ms"`
	GenerationTimeMs float64         `json:"generation_time_ms"`
}

// Orchestrator wires the searcher, the generation provider, and the query
// log together.
type Orchestrator struct {
	searcher  *search.Searcher
	generator llm.Provider
	store     *store.Store
	cfg       Config
}

// New creates an Orchestrator.
func New(searcher *search.Searcher, generator llm.Provider, st *store.Store, cfg Config) *Orchestrator {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.DefaultTemperature == 0 {
		cfg.DefaultTemperature = 0.3
	}
	if cfg.DefaultMaxTokens == 0 {
		cfg.DefaultMaxTokens = 1000
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = 2 * time.Minute
	}
	return &Orchestrator{searcher: searcher, generator: generator, store: st, cfg: cfg}
}

func (o *Orchestrator) applyDefaults(req *Request) {
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
	}
	if req.Temperature == nil {
		t := o.cfg.DefaultTemperature
		req.Temperature = &t
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = o.cfg.DefaultMaxTokens
	}
}

// Answer runs retrieval and generation and returns the full response with
// bound citations. An empty retrieval yields the deterministic refusal, not
// an error.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Response, error) {
	o.applyDefaults(&req)
	queryID := uuid.NewString()
	start := time.Now()

	searchStart := time.Now()
	sources, err := o.searcher.Search(ctx, search.Request{
		Query: req.Query, K: req.K, Mode: req.Mode, Alpha: req.Alpha, UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}
	searchMs := msSince(searchStart)

	if len(sources) == 0 {
		return &Response{
			QueryID:        queryID,
			QueryText:      req.Query,
			Answer:         refusalAnswer,
			Citations:      []Citation{},
			Sources:        []search.Result{},
			Model:          req.Model,
			ResponseTimeMs: msSince(start),
			SearchTimeMs:   searchMs,
		}, nil
	}

	genStart := time.Now()
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	resp, err := o.generator.Chat(llmCtx, llm.ChatRequest{
		Model:       req.Model,
		Messages:    buildMessages(req.Query, sources),
		Temperature: *req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	genMs := msSince(genStart)

	citations := o.bindAndReport(queryID, resp.Content, sources)

	out := &Response{
		QueryID:          queryID,
		QueryText:        req.Query,
		Answer:           resp.Content,
		Citations:        citations,
		Sources:          sources,
		Model:            modelName(resp, req.Model),
		Usage:            Usage{resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens},
		ResponseTimeMs:   msSince(start),
		SearchTimeMs:     searchMs,
		GenerationTimeMs: genMs,
	}

	o.logQuery(ctx, queryID, req, sources, out.ResponseTimeMs)
	return out, nil
}

// AnswerStream runs the same pipeline but forwards generation deltas as
// they arrive. Events reach sink in the documented order; sink's
// back-pressure propagates to the LLM stream because deltas are emitted
// synchronously from the stream read loop.
//
// Cancellation contract: the LLM stream aborts with the context, a
// citations event built from the partial text is still flushed when at
// least one answer chunk was sent, and no query log row is written.
func (o *Orchestrator) AnswerStream(ctx context.Context, req Request, sink EventSink) error {
	o.applyDefaults(&req)
	queryID := uuid.NewString()
	start := time.Now()

	if err := sink.Emit(StatusEvent{EventStatus, "Searching documents..."}); err != nil {
		return err
	}

	searchStart := time.Now()
	sources, err := o.searcher.Search(ctx, search.Request{
		Query: req.Query, K: req.K, Mode: req.Mode, Alpha: req.Alpha, UserID: req.UserID,
	})
	if err != nil {
		sink.Emit(ErrorEvent{EventError, "search unavailable"})
		return err
	}
	searchMs := msSince(searchStart)

	if err := sink.Emit(SearchCompleteEvent{EventSearchComplete, len(sources), searchMs}); err != nil {
		return err
	}
	if err := sink.Emit(SourcesEvent{EventSources, sources}); err != nil {
		return err
	}

	if len(sources) == 0 {
		if err := sink.Emit(AnswerChunkEvent{EventAnswerChunk, refusalAnswer}); err != nil {
			return err
		}
		if err := sink.Emit(CitationsEvent{EventCitations, []Citation{}}); err != nil {
			return err
		}
		return sink.Emit(DoneEvent{EventDone, queryID, msSince(start), searchMs, 0})
	}

	if err := sink.Emit(StatusEvent{EventStatus, "Generating answer..."}); err != nil {
		return err
	}

	genStart := time.Now()
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	chunksSent := 0
	var partial []byte
	resp, streamErr := o.generator.ChatStream(llmCtx, llm.ChatRequest{
		Model:       req.Model,
		Messages:    buildMessages(req.Query, sources),
		Temperature: *req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, func(delta string) error {
		partial = append(partial, delta...)
		if err := sink.Emit(AnswerChunkEvent{EventAnswerChunk, delta}); err != nil {
			return err
		}
		chunksSent++
		return nil
	})
	genMs := msSince(genStart)

	if streamErr != nil {
		if ctx.Err() != nil && chunksSent > 0 {
			// Cancelled mid-answer: bind what we have so the client can
			// still attribute the text it received.
			sink.Emit(CitationsEvent{EventCitations, o.bindAndReport(queryID, string(partial), sources)})
			return ctx.Err()
		}
		sink.Emit(ErrorEvent{EventError, "answer generation failed"})
		return fmt.Errorf("%w: %v", ErrGenerationFailed, streamErr)
	}

	citations := o.bindAndReport(queryID, resp.Content, sources)
	if err := sink.Emit(CitationsEvent{EventCitations, citations}); err != nil {
		return err
	}

	responseMs := msSince(start)
	if err := sink.Emit(DoneEvent{EventDone, queryID, responseMs, searchMs, genMs}); err != nil {
		return err
	}

	o.logQuery(ctx, queryID, req, sources, responseMs)
	return nil
}

// bindAndReport runs the citation tracker over the answer text. Invalid
// markers are logged, dropped from the binding, and never fail the request.
func (o *Orchestrator) bindAndReport(queryID, answer string, sources []search.Result) []Citation {
	if ok, violations := ValidateCitations(answer, len(sources)); !ok {
		slog.Warn("rag: answer contains invalid citations",
			"query_id", queryID, "violations", violations)
	}
	citations := BindCitations(answer, sources)
	if citations == nil {
		citations = []Citation{}
	}
	return citations
}

func (o *Orchestrator) logQuery(ctx context.Context, queryID string, req Request, sources []search.Result, responseMs float64) {
	results := make([]map[string]interface{}, len(sources))
	for i, s := range sources {
		results[i] = map[string]interface{}{
			"chunk_id":    s.ChunkID,
			"document_id": s.DocumentID,
			"score":       s.Score,
			"rank":        i + 1,
		}
	}
	err := o.store.InsertQueryLog(ctx, store.QueryLog{
		QueryID:        queryID,
		UserID:         req.UserID,
		QueryText:      req.Query,
		K:              req.K,
		ResultCount:    len(sources),
		Results:        results,
		ResponseTimeMs: responseMs,
	})
	if err != nil {
		slog.Warn("rag: writing query log failed", "query_id", queryID, "error", err)
	}
}

func modelName(resp *llm.ChatResponse, fallback string) string {
	if resp.Model != "" {
		return resp.Model
	}
	return fallback
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
