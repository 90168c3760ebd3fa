package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docquery/docquery/cache"
	"github.com/docquery/docquery/chunker"
	"github.com/docquery/docquery/extractor"
	"github.com/docquery/docquery/index"
	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/store"
)

type stubEmbedder struct {
	dim  int
	err  error
	fail int // fail the nth call (1-based), 0 = never
	call int
}

func (e *stubEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (e *stubEmbedder) ChatStream(ctx context.Context, req llm.ChatRequest, fn func(string) error) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.call++
	if e.err != nil {
		return nil, e.err
	}
	if e.fail > 0 && e.call >= e.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

type fixture struct {
	store    *store.Store
	idx      *index.Index
	cache    *cache.MemoryCache
	embedder *stubEmbedder
	worker   *Worker
	userID   int64
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := index.Open(filepath.Join(dir, "chunks"), 4, 0)
	if err != nil {
		t.Fatal(err)
	}

	mc := cache.NewMemory()
	t.Cleanup(func() { mc.Close() })

	userID, err := st.CreateUser(ctx, "alice", "alice@example.com", "x", false)
	if err != nil {
		t.Fatal(err)
	}

	emb := &stubEmbedder{dim: 4}
	w := New(st, extractor.NewRegistry(), chunker.New(chunker.Config{
		ChunkSize: 64, ChunkOverlap: 8, MinChunkSize: 4,
	}), emb, idx, mc, Config{
		EmbeddingBatchSize: 2,
		EmbeddingModel:     "text-embedding-3-small",
		ExtractorTimeout:   time.Minute,
		EmbeddingTimeout:   time.Minute,
	})

	return &fixture{store: st, idx: idx, cache: mc, embedder: emb, worker: w, userID: userID, dir: dir}
}

// upload writes content to disk and creates a pending document + queued job.
func (f *fixture) upload(t *testing.T, jobID, content, mimeType string) int64 {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(f.dir, jobID+".txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	docID, err := f.store.CreateDocument(ctx, store.Document{
		OwnerID:          f.userID,
		Filename:         jobID + ".txt",
		OriginalFilename: jobID + ".txt",
		FilePath:         path,
		FileSize:         int64(len(content)),
		MimeType:         mimeType,
		JobID:            jobID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return docID
}

const sampleText = `The ingestion pipeline extracts text from uploaded files. ` +
	`Each chunk is embedded into a dense vector space for retrieval. ` +
	`Completed documents become searchable immediately after the index save.`

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.upload(t, "job-1", sampleText, "text/plain")

	// Seed a cached query for the owner; completion must evict it.
	f.cache.Set(ctx, cache.UserPrefix(f.userID)+"deadbeef", []byte("[]"), time.Hour)

	if err := f.worker.Process(ctx, "job-1", docID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	doc, err := f.store.GetDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed (error=%q)", doc.Status, doc.ErrorMessage)
	}
	if doc.ProcessedAt == nil {
		t.Error("processed_at not stamped")
	}

	chunks, err := f.store.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks persisted")
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if !c.HasEmbedding {
			t.Errorf("chunk %d of completed document lacks embedding flag", i)
		}
		if c.EmbeddingModel != "text-embedding-3-small" {
			t.Errorf("chunk %d model tag = %q", i, c.EmbeddingModel)
		}
	}

	// Vector count equals chunk count, and the pair is persisted.
	if got := f.idx.Stats().Live; got != len(chunks) {
		t.Errorf("index live slots = %d, chunk count = %d", got, len(chunks))
	}
	reopened, err := index.Open(filepath.Join(f.dir, "chunks"), 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Size() != len(chunks) {
		t.Errorf("persisted index size = %d, want %d", reopened.Size(), len(chunks))
	}

	if _, ok := f.cache.Get(ctx, cache.UserPrefix(f.userID)+"deadbeef"); ok {
		t.Error("owner's cached query survived ingestion")
	}
}

func TestProcessUnsupportedMime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.upload(t, "job-1", "binary stuff", "application/x-msdownload")

	if err := f.worker.Process(ctx, "job-1", docID); err == nil {
		t.Fatal("expected error for unsupported MIME")
	}

	doc, _ := f.store.GetDocument(ctx, docID)
	if doc.Status != store.StatusFailed || doc.ErrorMessage == "" {
		t.Errorf("doc = status %q, error %q; want failed with message", doc.Status, doc.ErrorMessage)
	}
	chunks, _ := f.store.GetChunksByDocument(ctx, docID)
	if len(chunks) != 0 {
		t.Errorf("%d chunks exist for failed document", len(chunks))
	}
	if f.idx.Size() != 0 {
		t.Errorf("index has %d slots after failed ingestion", f.idx.Size())
	}
}

func TestProcessEmptyDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.upload(t, "job-1", "   \n\t  ", "text/plain")

	err := f.worker.Process(ctx, "job-1", docID)
	if !errors.Is(err, chunker.ErrEmptyExtraction) {
		t.Fatalf("err = %v, want ErrEmptyExtraction", err)
	}

	doc, _ := f.store.GetDocument(ctx, docID)
	if doc.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
}

func TestProcessJobMismatchNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.upload(t, "job-1", sampleText, "text/plain")

	if err := f.worker.Process(ctx, "job-STALE", docID); err != nil {
		t.Fatalf("mismatched job should no-op, got %v", err)
	}
	doc, _ := f.store.GetDocument(ctx, docID)
	if doc.Status != store.StatusPending {
		t.Errorf("no-op changed status to %q", doc.Status)
	}
}

func TestProcessNonPendingNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.upload(t, "job-1", sampleText, "text/plain")

	if err := f.worker.Process(ctx, "job-1", docID); err != nil {
		t.Fatal(err)
	}
	indexSize := f.idx.Size()

	// Duplicate delivery of the same job: the document is completed now.
	if err := f.worker.Process(ctx, "job-1", docID); err != nil {
		t.Fatalf("duplicate delivery should no-op, got %v", err)
	}
	if f.idx.Size() != indexSize {
		t.Error("duplicate delivery grew the index")
	}
}

func TestEmbeddingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.embedder.err = errors.New("embedding provider unreachable")
	docID := f.upload(t, "job-1", sampleText, "text/plain")

	if err := f.worker.Process(ctx, "job-1", docID); err == nil {
		t.Fatal("expected embedding failure")
	}

	doc, _ := f.store.GetDocument(ctx, docID)
	if doc.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
	chunks, _ := f.store.GetChunksByDocument(ctx, docID)
	if len(chunks) != 0 {
		t.Errorf("%d partial chunks survived rollback", len(chunks))
	}
	if f.idx.Size() != 0 {
		t.Errorf("index has %d slots after rollback", f.idx.Size())
	}
}

func TestRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.embedder.err = errors.New("embedding provider unreachable")
	docID := f.upload(t, "job-1", sampleText, "text/plain")

	if err := f.worker.Process(ctx, "job-1", docID); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// Operator re-submits: failed -> pending, then the worker runs again.
	if err := f.store.TransitionDocument(ctx, docID, store.StatusFailed, store.StatusPending); err != nil {
		t.Fatal(err)
	}
	f.embedder.err = nil

	if err := f.worker.Process(ctx, "job-1", docID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	doc, _ := f.store.GetDocument(ctx, docID)
	if doc.Status != store.StatusCompleted {
		t.Errorf("status after retry = %q, want completed", doc.Status)
	}
	chunks, _ := f.store.GetChunksByDocument(ctx, docID)
	if got := f.idx.Stats().Live; got != len(chunks) {
		t.Errorf("index live = %d, chunks = %d after retry", got, len(chunks))
	}
}

// TestReingestAfterDelete mirrors the idempotence property: ingesting the
// same file twice and deleting the first document leaves counts identical
// to a single ingestion.
func TestReingestAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc1 := f.upload(t, "job-1", sampleText, "text/plain")
	if err := f.worker.Process(ctx, "job-1", doc1); err != nil {
		t.Fatal(err)
	}
	chunks1, _ := f.store.GetChunksByDocument(ctx, doc1)
	baseline := len(chunks1)

	doc2 := f.upload(t, "job-2", sampleText, "text/plain")
	if err := f.worker.Process(ctx, "job-2", doc2); err != nil {
		t.Fatal(err)
	}

	deleted, err := f.store.DeleteDocument(ctx, doc1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.idx.Remove(deleted); err != nil {
		t.Fatal(err)
	}

	chunks2, _ := f.store.GetChunksByDocument(ctx, doc2)
	if len(chunks2) != baseline {
		t.Errorf("chunk count after reingest+delete = %d, want %d", len(chunks2), baseline)
	}
	if live := f.idx.Stats().Live; live != baseline {
		t.Errorf("live vector count = %d, want %d", live, baseline)
	}
}
