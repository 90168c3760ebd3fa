// Package docquery is the composition root for the document intelligence
// core: it constructs the store, cache, vector index, providers, searcher,
// RAG orchestrator, and ingestion worker exactly once and hands the wired
// handles to the server and worker binaries.
package docquery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/docquery/docquery/cache"
	"github.com/docquery/docquery/chunker"
	"github.com/docquery/docquery/extractor"
	"github.com/docquery/docquery/index"
	"github.com/docquery/docquery/ingest"
	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/rag"
	"github.com/docquery/docquery/search"
	"github.com/docquery/docquery/store"
)

// App owns one constructed instance of every core component.
type App struct {
	Config Config

	Store      *store.Store
	Cache      cache.Cache
	Index      *index.Index
	Extractors *extractor.Registry
	Chunker    *chunker.Chunker
	Embedder   llm.Provider
	Generator  llm.Provider
	Searcher   *search.Searcher
	RAG        *rag.Orchestrator
	Worker     *ingest.Worker
}

// New builds the full dependency graph from configuration.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}

	st, err := store.New(cfg.ResolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var c cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		c = rc
	} else {
		slog.Info("cache: no redis configured, using in-process cache")
		c = cache.NewMemory()
	}

	idx, err := index.Open(cfg.ResolveIndexPath(), cfg.EmbeddingDim, cfg.CompactionTombstoneRatio)
	if err != nil {
		c.Close()
		st.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	generator, err := llm.NewProvider(llm.Config{
		Provider: cfg.Generation.Provider,
		Model:    cfg.Generation.Model,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
	})
	if err != nil {
		c.Close()
		st.Close()
		return nil, fmt.Errorf("creating generation provider: %w", err)
	}

	embedder, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		c.Close()
		st.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	// Extractor registration is static at startup. Image and audio
	// adapters appear only when a capable provider is configured.
	reg := extractor.NewRegistry()
	if cfg.Vision.Provider != "" {
		vision, err := llm.NewProvider(llm.Config{
			Provider: cfg.Vision.Provider,
			Model:    cfg.Vision.Model,
			BaseURL:  cfg.Vision.BaseURL,
			APIKey:   cfg.Vision.APIKey,
		})
		if err != nil {
			c.Close()
			st.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
		if vp, ok := vision.(llm.VisionProvider); ok {
			reg.Register(extractor.NewImageExtractor(vp, cfg.Vision.Model))
		} else {
			slog.Warn("vision provider does not support images, image uploads disabled",
				"provider", cfg.Vision.Provider)
		}
	}
	if t, ok := generator.(llm.Transcriber); ok {
		reg.Register(extractor.NewAudioExtractor(t))
	}

	ch := chunker.New(chunker.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MinChunkSize: cfg.MinChunkSize,
	})

	searcher := search.New(st, idx, embedder, c, search.Config{
		TopKDefault:       cfg.SearchTopKDefault,
		BranchMultiplier:  cfg.SearchBranchMultiplier,
		BranchCap:         cfg.SearchBranchCap,
		RRFConstant:       cfg.RRFConstant,
		QueryCacheTTL:     cfg.QueryCacheTTL,
		EmbeddingCacheTTL: cfg.EmbeddingCacheTTL,
	})

	orchestrator := rag.New(searcher, generator, st, rag.Config{
		DefaultModel:       cfg.Generation.Model,
		DefaultTemperature: cfg.GenerationTemperatureDefault,
		DefaultMaxTokens:   cfg.GenerationMaxTokensDefault,
		LLMTimeout:         cfg.LLMRequestTimeout,
	})

	worker := ingest.New(st, reg, ch, embedder, idx, c, ingest.Config{
		Concurrency:        cfg.WorkerCount,
		EmbeddingBatchSize: cfg.EmbeddingBatchSize,
		EmbeddingModel:     cfg.Embedding.Model,
		ExtractorTimeout:   cfg.ExtractorTimeout,
		EmbeddingTimeout:   cfg.EmbeddingRequestTimeout,
	})

	return &App{
		Config:     cfg,
		Store:      st,
		Cache:      c,
		Index:      idx,
		Extractors: reg,
		Chunker:    ch,
		Embedder:   embedder,
		Generator:  generator,
		Searcher:   searcher,
		RAG:        orchestrator,
		Worker:     worker,
	}, nil
}

// Close releases every owned resource.
func (a *App) Close() error {
	var errs []error
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submission is the receipt for an accepted upload.
type Submission struct {
	JobID      string `json:"job_id"`
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
}

// SubmitDocument stores an uploaded file in the owner's isolated directory,
// creates the pending document row, and enqueues the ingestion job. The
// stored filename is a fresh UUID so an upload can never overwrite an
// earlier file.
func (a *App) SubmitDocument(ctx context.Context, ownerID int64, originalFilename, mimeType string, size int64, content io.Reader) (*Submission, error) {
	if a.Config.MaxUploadSize > 0 && size > a.Config.MaxUploadSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrUploadTooLarge, size, a.Config.MaxUploadSize)
	}
	if !a.Extractors.Supported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedUpload, mimeType)
	}

	dir := a.Config.ResolveUploadDir(ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	storedName := uuid.NewString() + filepath.Ext(originalFilename)
	path := filepath.Join(dir, storedName)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	written, err := io.Copy(dst, content)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing upload: %w", err)
	}

	jobID := uuid.NewString()
	docID, err := a.Store.CreateDocument(ctx, store.Document{
		OwnerID:          ownerID,
		Filename:         storedName,
		OriginalFilename: filepath.Base(originalFilename),
		FilePath:         path,
		FileSize:         written,
		MimeType:         mimeType,
		JobID:            jobID,
	})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("creating document: %w", err)
	}

	if err := a.Store.EnqueueJob(ctx, jobID, docID); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	slog.Info("upload accepted",
		"document_id", docID, "job_id", jobID,
		"owner_id", ownerID, "file", originalFilename, "bytes", written)
	return &Submission{JobID: jobID, DocumentID: docID, Status: store.StatusPending}, nil
}

// RetryDocument re-submits a failed document: failed -> pending, a fresh
// job id (so stale deliveries of the old job no-op), and a new queue entry.
// The worker clears the prior attempt's chunks and vector slots on pickup.
func (a *App) RetryDocument(ctx context.Context, documentID int64) (*Submission, error) {
	if err := a.Store.TransitionDocument(ctx, documentID, store.StatusFailed, store.StatusPending); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNotRetryable
		}
		return nil, err
	}

	jobID := uuid.NewString()
	if err := a.Store.UpdateDocumentJobID(ctx, documentID, jobID); err != nil {
		return nil, err
	}
	if err := a.Store.EnqueueJob(ctx, jobID, documentID); err != nil {
		return nil, err
	}

	slog.Info("document re-submitted", "document_id", documentID, "job_id", jobID)
	return &Submission{JobID: jobID, DocumentID: documentID, Status: store.StatusPending}, nil
}

// DeleteDocument removes a document, its chunks, and tombstones the
// matching vector slots, then evicts the owner's cached queries.
func (a *App) DeleteDocument(ctx context.Context, documentID, ownerID int64) error {
	chunkIDs, err := a.Store.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if len(chunkIDs) > 0 {
		if _, err := a.Index.Remove(chunkIDs); err != nil {
			return fmt.Errorf("tombstoning vectors: %w", err)
		}
	}
	a.Cache.DeleteByPrefix(ctx, cache.UserPrefix(ownerID))
	slog.Info("document deleted", "document_id", documentID, "chunks", len(chunkIDs))
	return nil
}
