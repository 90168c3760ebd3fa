package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docquery/docquery/cache"
	"github.com/docquery/docquery/index"
	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/search"
	"github.com/docquery/docquery/store"
)

// stubProvider serves canned embeddings and a scripted answer.
type stubProvider struct {
	answer       string
	deltas       []string
	chatErr      error
	cancelAfter  int                // cancel this ctx after n deltas (0 = never)
	cancelFn     context.CancelFunc // invoked by cancelAfter
	usageTokens  int
}

func (p *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	return &llm.ChatResponse{
		Content: p.answer, Model: req.Model,
		PromptTokens: p.usageTokens, CompletionTokens: p.usageTokens, TotalTokens: 2 * p.usageTokens,
	}, nil
}

func (p *stubProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn func(string) error) (*llm.ChatResponse, error) {
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	deltas := p.deltas
	if deltas == nil {
		deltas = []string{p.answer}
	}
	var buf strings.Builder
	for i, d := range deltas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fn(d); err != nil {
			return nil, err
		}
		buf.WriteString(d)
		if p.cancelAfter > 0 && i+1 >= p.cancelAfter {
			p.cancelFn()
			return nil, context.Canceled
		}
	}
	return &llm.ChatResponse{Content: buf.String(), Model: req.Model}, nil
}

func (p *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// collectSink records events in order.
type collectSink struct {
	events []interface{}
	err    error
}

func (s *collectSink) Emit(e interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) types() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		switch v := e.(type) {
		case StatusEvent:
			out[i] = v.Type
		case SearchCompleteEvent:
			out[i] = v.Type
		case SourcesEvent:
			out[i] = v.Type
		case AnswerChunkEvent:
			out[i] = v.Type
		case CitationsEvent:
			out[i] = v.Type
		case DoneEvent:
			out[i] = v.Type
		case ErrorEvent:
			out[i] = v.Type
		default:
			out[i] = fmt.Sprintf("%T", e)
		}
	}
	return out
}

type fixture struct {
	store    *store.Store
	provider *stubProvider
	orch     *Orchestrator
	userID   int64
}

// newFixture indexes three chunks for one user so retrieval returns three
// sources in a deterministic order.
func newFixture(t *testing.T, chunkContents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := index.Open(filepath.Join(dir, "chunks"), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	mc := cache.NewMemory()
	t.Cleanup(func() { mc.Close() })

	userID, err := st.CreateUser(ctx, "alice", "alice@example.com", "x", false)
	if err != nil {
		t.Fatal(err)
	}

	provider := &stubProvider{answer: "stub answer [1]"}

	if len(chunkContents) > 0 {
		docID, err := st.CreateDocument(ctx, store.Document{
			OwnerID: userID, Filename: "d", OriginalFilename: "doc.txt",
			FilePath: "/x", FileSize: 1, MimeType: "text/plain", JobID: "job-1",
		})
		if err != nil {
			t.Fatal(err)
		}
		rows := make([]store.Chunk, len(chunkContents))
		for i, c := range chunkContents {
			rows[i] = store.Chunk{DocumentID: docID, Content: c, ChunkIndex: i, TokenCount: 5}
		}
		ids, err := st.InsertChunks(ctx, rows)
		if err != nil {
			t.Fatal(err)
		}
		vecs := make([][]float32, len(ids))
		for i := range vecs {
			// Closest to the query vector first, in insertion order.
			vecs[i] = []float32{1, float32(i) * 0.1}
		}
		if _, err := idx.Append(vecs, ids); err != nil {
			t.Fatal(err)
		}
		if err := idx.Save(); err != nil {
			t.Fatal(err)
		}
	}

	searcher := search.New(st, idx, provider, mc, search.Config{})
	orch := New(searcher, provider, st, Config{DefaultModel: "gpt-4o-mini"})

	return &fixture{store: st, provider: provider, orch: orch, userID: userID}
}

func queryLogCount(t *testing.T, st *store.Store, userID int64) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM query_logs WHERE user_id = ?", userID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestAnswerBindsCitations(t *testing.T) {
	f := newFixture(t, "alpha content", "beta content", "gamma content")
	f.provider.answer = "Alpha [1]. Beta [2][3]. Gamma [4]."

	resp, err := f.orch.Answer(context.Background(), Request{
		Query: "alpha beta gamma", K: 5, Mode: search.ModeVector, UserID: f.userID,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// Three in-range citations in appearance order; [4] is reported but
	// dropped without failing the request.
	if len(resp.Citations) != 3 {
		t.Fatalf("got %d citations, want 3: %+v", len(resp.Citations), resp.Citations)
	}
	for i, want := range []int{1, 2, 3} {
		if resp.Citations[i].Number != want {
			t.Errorf("citation %d number = %d, want %d", i, resp.Citations[i].Number, want)
		}
	}
	for i, c := range resp.Citations {
		if c.ChunkID != resp.Sources[i].ChunkID {
			t.Errorf("citation %d bound to chunk %d, want %d", i, c.ChunkID, resp.Sources[i].ChunkID)
		}
	}
	if queryLogCount(t, f.store, f.userID) != 1 {
		t.Error("query log row not written")
	}
}

func TestAnswerEmptyRetrieval(t *testing.T) {
	f := newFixture(t) // no documents at all

	resp, err := f.orch.Answer(context.Background(), Request{
		Query: "anything", K: 5, Mode: search.ModeVector, UserID: f.userID,
	})
	if err != nil {
		t.Fatalf("empty retrieval must not error: %v", err)
	}
	if resp.Answer != refusalAnswer {
		t.Errorf("answer = %q, want the refusal", resp.Answer)
	}
	if len(resp.Citations) != 0 || len(resp.Sources) != 0 {
		t.Error("refusal carries citations or sources")
	}
	if queryLogCount(t, f.store, f.userID) != 0 {
		t.Error("refusal wrote a query log row")
	}
}

func TestAnswerGenerationFailure(t *testing.T) {
	f := newFixture(t, "some content")
	f.provider.chatErr = errors.New("upstream 500")

	_, err := f.orch.Answer(context.Background(), Request{
		Query: "some content", K: 5, Mode: search.ModeVector, UserID: f.userID,
	})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("err = %v, want ErrGenerationFailed", err)
	}
}

func TestAnswerStreamEventOrder(t *testing.T) {
	f := newFixture(t, "alpha content", "beta content")
	f.provider.deltas = []string{"Alpha ", "[1]", " and beta [2]."}

	sink := &collectSink{}
	err := f.orch.AnswerStream(context.Background(), Request{
		Query: "alpha", K: 5, Mode: search.ModeVector, UserID: f.userID,
	}, sink)
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}

	got := sink.types()
	want := []string{
		EventStatus, EventSearchComplete, EventSources, EventStatus,
		EventAnswerChunk, EventAnswerChunk, EventAnswerChunk,
		EventCitations, EventDone,
	}
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// Citations reflect the buffered full text.
	citations := sink.events[len(sink.events)-2].(CitationsEvent).Citations
	if len(citations) != 2 {
		t.Errorf("got %d citations, want 2", len(citations))
	}

	if queryLogCount(t, f.store, f.userID) != 1 {
		t.Error("query log row not written for completed stream")
	}
}

func TestAnswerStreamEmptyRetrieval(t *testing.T) {
	f := newFixture(t)

	sink := &collectSink{}
	err := f.orch.AnswerStream(context.Background(), Request{
		Query: "anything", K: 5, Mode: search.ModeVector, UserID: f.userID,
	}, sink)
	if err != nil {
		t.Fatal(err)
	}

	got := sink.types()
	want := []string{EventStatus, EventSearchComplete, EventSources, EventAnswerChunk, EventCitations, EventDone}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}

	// The refusal travels as an answer chunk, citations are empty.
	for _, e := range sink.events {
		if chunk, ok := e.(AnswerChunkEvent); ok && chunk.Content != refusalAnswer {
			t.Errorf("answer chunk = %q, want refusal", chunk.Content)
		}
		if cit, ok := e.(CitationsEvent); ok && len(cit.Citations) != 0 {
			t.Error("citations not empty for empty retrieval")
		}
	}
}

func TestAnswerStreamCancellation(t *testing.T) {
	f := newFixture(t, "alpha content")
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.deltas = []string{"partial [1]", " more", " text"}
	f.provider.cancelAfter = 1
	f.provider.cancelFn = cancel

	sink := &collectSink{}
	err := f.orch.AnswerStream(ctx, Request{
		Query: "alpha", K: 5, Mode: search.ModeVector, UserID: f.userID,
	}, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	got := sink.types()
	// At least one answer chunk went out, so the citations from the partial
	// text still flush; done never fires and no query log is written.
	if got[len(got)-1] != EventCitations {
		t.Errorf("last event = %q, want citations (full: %v)", got[len(got)-1], got)
	}
	citations := sink.events[len(sink.events)-1].(CitationsEvent).Citations
	if len(citations) != 1 || citations[0].Number != 1 {
		t.Errorf("partial citations = %+v, want [1]", citations)
	}
	if queryLogCount(t, f.store, f.userID) != 0 {
		t.Error("cancelled stream wrote a query log row")
	}
}

func TestAnswerStreamGenerationError(t *testing.T) {
	f := newFixture(t, "alpha content")
	f.provider.chatErr = errors.New("upstream 502")

	sink := &collectSink{}
	err := f.orch.AnswerStream(context.Background(), Request{
		Query: "alpha", K: 5, Mode: search.ModeVector, UserID: f.userID,
	}, sink)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}

	got := sink.types()
	if got[len(got)-1] != EventError {
		t.Errorf("stream must terminate with an error event, got %v", got)
	}
}
