// Package ingest runs the background pipeline that turns an uploaded file
// into embedded, persisted chunks: extract -> chunk -> embed -> vector
// index + primary store, with document lifecycle transitions along the way.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docquery/docquery/cache"
	"github.com/docquery/docquery/chunker"
	"github.com/docquery/docquery/extractor"
	"github.com/docquery/docquery/index"
	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/store"
)

// Config holds worker tuning.
type Config struct {
	Concurrency        int           // parallel documents per process
	EmbeddingBatchSize int           // texts per embedding request
	EmbeddingModel     string        // model tag recorded on chunks
	ExtractorTimeout   time.Duration // deadline for one extraction
	EmbeddingTimeout   time.Duration // deadline for one embedding batch
	PollInterval       time.Duration // queue poll cadence when idle
}

// Worker consumes the durable job queue and drives the ingestion pipeline.
// Multiple documents ingest in parallel; within one document the steps are
// sequential, and index mutation is serialised host-locally by indexMu so
// concurrent saves cannot lose sidecar updates.
type Worker struct {
	store      *store.Store
	extractors *extractor.Registry
	chunker    *chunker.Chunker
	embedder   llm.Provider
	idx        *index.Index
	cache      cache.Cache
	cfg        Config

	indexMu sync.Mutex
}

// New creates a Worker with every dependency injected.
func New(s *store.Store, reg *extractor.Registry, ch *chunker.Chunker,
	embedder llm.Provider, idx *index.Index, c cache.Cache, cfg Config) *Worker {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.EmbeddingBatchSize == 0 {
		cfg.EmbeddingBatchSize = 100
	}
	if cfg.ExtractorTimeout == 0 {
		cfg.ExtractorTimeout = 5 * time.Minute
	}
	if cfg.EmbeddingTimeout == 0 {
		cfg.EmbeddingTimeout = time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		store: s, extractors: reg, chunker: ch,
		embedder: embedder, idx: idx, cache: c, cfg: cfg,
	}
}

// Run consumes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, n int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := w.store.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("ingest: claiming job failed", "worker", n, "error", err)
		} else if job != nil {
			status := "done"
			if err := w.Process(ctx, job.JobID, job.DocumentID); err != nil {
				slog.Error("ingest: job failed", "worker", n, "job_id", job.JobID, "error", err)
				status = "failed"
			}
			if err := w.store.FinishJob(ctx, job.ID, status); err != nil {
				slog.Error("ingest: finishing job failed", "job_id", job.JobID, "error", err)
			}
			continue // drain without waiting for the tick
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process runs the ingestion contract for one job. Pipeline errors are
// converted to a failed document state here and never escape except as the
// job outcome; partial chunks and unsaved vector appends are rolled back so
// a failed document leaves no trace in either store.
func (w *Worker) Process(ctx context.Context, jobID string, documentID int64) error {
	doc, err := w.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			slog.Warn("ingest: document vanished, dropping job", "job_id", jobID, "document_id", documentID)
			return nil
		}
		return err
	}

	// Stale or duplicate deliveries no-op: only a pending document with a
	// matching job id is processed.
	if doc.Status != store.StatusPending || doc.JobID != jobID {
		slog.Info("ingest: skipping job",
			"job_id", jobID, "document_id", documentID,
			"status", doc.Status, "document_job_id", doc.JobID)
		return nil
	}

	// A re-submitted document may carry chunks and vector slots from the
	// failed attempt; clear both before the fresh run.
	if stale, err := w.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clearing stale chunks: %w", err)
	} else if len(stale) > 0 {
		w.indexMu.Lock()
		_, rerr := w.idx.Remove(stale)
		w.indexMu.Unlock()
		if rerr != nil {
			return fmt.Errorf("tombstoning stale vectors: %w", rerr)
		}
		slog.Info("ingest: cleared stale chunks from prior attempt",
			"document_id", doc.ID, "chunks", len(stale))
	}

	if err := w.store.TransitionDocument(ctx, doc.ID, store.StatusPending, store.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Info("ingest: lost claim race, dropping job", "document_id", doc.ID)
			return nil
		}
		return err
	}

	slog.Info("ingest: processing document",
		"document_id", doc.ID, "file", doc.OriginalFilename, "mime", doc.MimeType)

	if err := w.runPipeline(ctx, doc); err != nil {
		w.fail(ctx, doc, err)
		return err
	}

	// Cache invalidation happens-before the completed transition: a search
	// issued after the caller observes completed can never be served stale
	// results.
	evicted := w.cache.DeleteByPrefix(ctx, cache.UserPrefix(doc.OwnerID))
	slog.Info("ingest: invalidated query cache", "owner_id", doc.OwnerID, "evicted", evicted)

	if err := w.store.MarkDocumentCompleted(ctx, doc.ID); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	slog.Info("ingest: document ready", "document_id", doc.ID, "file", doc.OriginalFilename)
	return nil
}

// runPipeline performs extract -> chunk -> persist -> embed -> index for a
// document already in processing state.
func (w *Worker) runPipeline(ctx context.Context, doc *store.Document) error {
	// Extract.
	ext, err := w.extractors.Get(doc.MimeType)
	if err != nil {
		return err
	}

	extractCtx, cancel := context.WithTimeout(ctx, w.cfg.ExtractorTimeout)
	segments, err := ext.Extract(extractCtx, doc.FilePath)
	cancel()
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	// Chunk.
	chunks, err := w.chunker.Chunk(segments)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return chunker.ErrEmptyExtraction
	}
	slog.Info("ingest: chunking complete", "document_id", doc.ID, "chunks", len(chunks))

	// Persist chunks in document order, embeddings pending.
	rows := make([]store.Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{
			DocumentID: doc.ID,
			Content:    c.Content,
			ChunkIndex: c.ChunkIndex,
			PageNumber: c.PageNumber,
			TokenCount: c.TokenCount,
		}
		texts[i] = c.Content
	}
	chunkIDs, err := w.store.InsertChunks(ctx, rows)
	if err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}

	// Embed in batches. Any batch failure aborts the whole document so the
	// embedded count always equals the chunk count on success.
	vectors := make([][]float32, 0, len(chunks))
	for i := 0; i < len(texts); i += w.cfg.EmbeddingBatchSize {
		end := i + w.cfg.EmbeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		embedCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbeddingTimeout)
		batch, err := w.embedder.Embed(embedCtx, texts[i:end])
		cancel()
		if err != nil {
			return fmt.Errorf("embedding batch %d-%d: %w", i, end, err)
		}
		if len(batch) != end-i {
			return fmt.Errorf("embedding batch returned %d vectors for %d texts", len(batch), end-i)
		}
		vectors = append(vectors, batch...)
	}
	slog.Info("ingest: embeddings complete", "document_id", doc.ID, "vectors", len(vectors))

	// Index. Append + flag + save are serialised host-locally; a failure
	// after appending reverts the in-memory copy from disk so the unsaved
	// slots vanish.
	w.indexMu.Lock()
	defer w.indexMu.Unlock()

	if _, err := w.idx.Append(vectors, chunkIDs); err != nil {
		return fmt.Errorf("appending vectors: %w", err)
	}
	if err := w.store.MarkChunksEmbedded(ctx, chunkIDs, w.cfg.EmbeddingModel); err != nil {
		w.revertIndex()
		return fmt.Errorf("marking chunks embedded: %w", err)
	}
	if err := w.idx.Save(); err != nil {
		w.revertIndex()
		return fmt.Errorf("saving index: %w", err)
	}
	return nil
}

// fail rolls back any partial chunks and records the failure on the
// document. Vector slots are only persisted by a successful Save, so disk
// state needs no repair here.
func (w *Worker) fail(ctx context.Context, doc *store.Document, cause error) {
	if _, err := w.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		slog.Error("ingest: rollback of partial chunks failed", "document_id", doc.ID, "error", err)
	}
	if err := w.store.MarkDocumentFailed(ctx, doc.ID, cause.Error()); err != nil {
		slog.Error("ingest: recording failure state failed", "document_id", doc.ID, "error", err)
	}
	// Evict the owner's cached queries on failure too, so a retry's results
	// are never shadowed by entries cached before the attempt.
	w.cache.DeleteByPrefix(ctx, cache.UserPrefix(doc.OwnerID))
	slog.Warn("ingest: document failed", "document_id", doc.ID, "error", cause)
}

// revertIndex discards unsaved in-memory appends by reloading from disk,
// or by emptying the index when nothing was ever saved. Caller holds
// indexMu.
func (w *Worker) revertIndex() {
	if err := w.idx.Load(); err != nil {
		if errors.Is(err, index.ErrMissing) {
			w.idx.Reset()
			return
		}
		slog.Error("ingest: reverting index failed", "error", err)
	}
}
