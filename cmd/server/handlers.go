package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docquery/docquery"
	"github.com/docquery/docquery/rag"
	"github.com/docquery/docquery/search"
	"github.com/docquery/docquery/store"
)

type handler struct {
	app *docquery.App
}

func newHandler(app *docquery.App) *handler {
	return &handler{app: app}
}

// queryRequest is the shared body for /query, /query/stream, and /search.
type queryRequest struct {
	Q           string   `json:"q"`
	K           *int     `json:"k"`
	SearchType  *string  `json:"search_type"`
	Alpha       *float64 `json:"alpha"`
	Model       *string  `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

// validate applies the documented bounds and fills defaults.
func (q *queryRequest) validate() (rag.Request, error) {
	if n := utf8.RuneCountInString(q.Q); n < 1 || n > 1000 {
		return rag.Request{}, fmt.Errorf("q must be 1..1000 characters")
	}

	req := rag.Request{Query: q.Q, K: 5, Mode: search.ModeHybrid, Alpha: 0.5}

	if q.K != nil {
		if *q.K < 1 || *q.K > 20 {
			return rag.Request{}, fmt.Errorf("k must be 1..20")
		}
		req.K = *q.K
	}
	if q.SearchType != nil {
		switch *q.SearchType {
		case search.ModeVector, search.ModeLexical, search.ModeHybrid:
			req.Mode = *q.SearchType
		default:
			return rag.Request{}, fmt.Errorf("search_type must be vector, fulltext, or hybrid")
		}
	}
	if q.Alpha != nil {
		if *q.Alpha < 0 || *q.Alpha > 1 {
			return rag.Request{}, fmt.Errorf("alpha must be 0..1")
		}
		req.Alpha = *q.Alpha
	}
	if q.Model != nil {
		req.Model = *q.Model
	}
	if q.Temperature != nil {
		if *q.Temperature < 0 || *q.Temperature > 2 {
			return rag.Request{}, fmt.Errorf("temperature must be 0..2")
		}
		req.Temperature = q.Temperature
	}
	if q.MaxTokens != nil {
		if *q.MaxTokens < 100 || *q.MaxTokens > 4000 {
			return rag.Request{}, fmt.Errorf("max_tokens must be 100..4000")
		}
		req.MaxTokens = *q.MaxTokens
	}
	return req, nil
}

func (h *handler) parseQuery(w http.ResponseWriter, r *http.Request) (rag.Request, bool) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return rag.Request{}, false
	}
	req, err := body.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return rag.Request{}, false
	}
	req.UserID = userID(r)
	return req, true
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	resp, err := h.app.RAG.Answer(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "search unavailable")
		case errors.Is(err, rag.ErrGenerationFailed):
			writeError(w, http.StatusBadGateway, "answer generation failed")
		default:
			writeError(w, http.StatusInternalServerError, "query failed")
		}
		slog.Error("query error", "user_id", req.UserID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sseSink serialises events as server-sent "data:" frames. Emit blocks on
// the client write, which is exactly the back-pressure the orchestrator
// propagates to the LLM stream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Emit(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// POST /query/stream
func (h *handler) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := h.app.RAG.AnswerStream(r.Context(), req, &sseSink{w: w, flusher: flusher}); err != nil {
		// The error event already went down the stream where possible.
		slog.Error("streaming query error", "user_id", req.UserID, "error", err)
	}
}

// POST /search — retrieval only, no generation.
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	queryID := uuid.NewString()
	start := time.Now()
	results, err := h.app.Searcher.Search(r.Context(), search.Request{
		Query: req.Query, K: req.K, Mode: req.Mode, Alpha: req.Alpha, UserID: req.UserID,
	})
	if err != nil {
		if errors.Is(err, search.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "search unavailable")
		} else {
			writeError(w, http.StatusInternalServerError, "search failed")
		}
		slog.Error("search error", "user_id", req.UserID, "error", err)
		return
	}
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	logRows := make([]map[string]interface{}, len(results))
	for i, res := range results {
		logRows[i] = map[string]interface{}{
			"chunk_id": res.ChunkID, "document_id": res.DocumentID,
			"score": res.Score, "rank": res.Rank,
		}
	}
	if err := h.app.Store.InsertQueryLog(r.Context(), store.QueryLog{
		QueryID: queryID, UserID: req.UserID, QueryText: req.Query, K: req.K,
		ResultCount: len(results), Results: logRows, ResponseTimeMs: elapsedMs,
	}); err != nil {
		slog.Warn("writing query log failed", "query_id", queryID, "error", err)
	}

	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query_id":         queryID,
		"query_text":       req.Query,
		"results":          results,
		"result_count":     len(results),
		"response_time_ms": elapsedMs,
	})
}

// POST /documents — multipart upload.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxMem := int64(32 << 20)
	if err := r.ParseMultipartForm(maxMem); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with a 'file' field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	sub, err := h.app.SubmitDocument(r.Context(), userID(r), header.Filename, mimeType, header.Size, file)
	if err != nil {
		switch {
		case errors.Is(err, docquery.ErrUploadTooLarge):
			writeError(w, http.StatusBadRequest, "file too large")
		case errors.Is(err, docquery.ErrUnsupportedUpload):
			writeError(w, http.StatusBadRequest, "unsupported file type: "+mimeType)
		default:
			writeError(w, http.StatusInternalServerError, "upload failed")
			slog.Error("upload error", "user_id", userID(r), "error", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.app.Store.ListDocumentsByOwner(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// ownedDocument loads a path document and enforces ownership.
func (h *handler) ownedDocument(w http.ResponseWriter, r *http.Request) *store.Document {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return nil
	}
	doc, err := h.app.Store.GetDocument(r.Context(), id)
	if err != nil || doc.OwnerID != userID(r) {
		// Not distinguishing missing from foreign avoids an existence oracle.
		writeError(w, http.StatusNotFound, "document not found")
		return nil
	}
	return doc
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc := h.ownedDocument(w, r)
	if doc == nil {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /documents/{id}/chunks
func (h *handler) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	doc := h.ownedDocument(w, r)
	if doc == nil {
		return
	}
	chunks, err := h.app.Store.GetChunksByDocument(r.Context(), doc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chunks")
		return
	}
	if chunks == nil {
		chunks = []store.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"chunks":      chunks,
		"chunk_count": len(chunks),
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc := h.ownedDocument(w, r)
	if doc == nil {
		return
	}
	if err := h.app.DeleteDocument(r.Context(), doc.ID, doc.OwnerID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		slog.Error("delete error", "document_id", doc.ID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /documents/{id}/retry
func (h *handler) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	doc := h.ownedDocument(w, r)
	if doc == nil {
		return
	}
	sub, err := h.app.RetryDocument(r.Context(), doc.ID)
	if err != nil {
		if errors.Is(err, docquery.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "document is not in the failed state")
			return
		}
		writeError(w, http.StatusInternalServerError, "retry failed")
		slog.Error("retry error", "document_id", doc.ID, "error", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GET /cache/stats
func (h *handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Cache.Stats())
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
