// Package search implements hybrid retrieval: a dense vector branch and a
// lexical FTS branch run in parallel, fused by reciprocal rank, scoped to
// one owner, and cached.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/docquery/docquery/cache"
	"github.com/docquery/docquery/index"
	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/store"
)

// ErrUnavailable is returned when every retrieval branch failed.
var ErrUnavailable = errors.New("search: no retrieval branch available")

// Search modes.
const (
	ModeVector  = "vector"
	ModeLexical = "fulltext"
	ModeHybrid  = "hybrid"
)

// Config holds searcher tuning.
type Config struct {
	TopKDefault      int
	BranchMultiplier int // per-branch depth = min(multiplier*k, cap)
	BranchCap        int
	RRFConstant      int

	QueryCacheTTL     time.Duration
	EmbeddingCacheTTL time.Duration
}

// Request is one search invocation.
type Request struct {
	Query  string
	K      int
	Mode   string
	Alpha  float64
	UserID int64
}

// Result is an enriched, ranked search hit.
type Result struct {
	ChunkID          int64   `json:"chunk_id"`
	DocumentID       int64   `json:"document_id"`
	DocumentFilename string  `json:"document_filename"`
	Content          string  `json:"content"`
	ChunkIndex       int     `json:"chunk_index"`
	PageNumber       *int    `json:"page_number"`
	Score            float64 `json:"score"`
	Rank             int     `json:"rank"`
}

// Searcher runs vector, lexical, and hybrid retrieval for one user corpus.
type Searcher struct {
	store    *store.Store
	idx      *index.Index
	embedder llm.Provider
	cache    cache.Cache
	cfg      Config
}

// New creates a Searcher. Every dependency is injected; the searcher owns
// no global state.
func New(s *store.Store, idx *index.Index, embedder llm.Provider, c cache.Cache, cfg Config) *Searcher {
	if cfg.TopKDefault == 0 {
		cfg.TopKDefault = 5
	}
	if cfg.BranchMultiplier == 0 {
		cfg.BranchMultiplier = 4
	}
	if cfg.BranchCap == 0 {
		cfg.BranchCap = 100
	}
	if cfg.RRFConstant == 0 {
		cfg.RRFConstant = 60
	}
	if cfg.QueryCacheTTL == 0 {
		cfg.QueryCacheTTL = time.Hour
	}
	if cfg.EmbeddingCacheTTL == 0 {
		cfg.EmbeddingCacheTTL = 24 * time.Hour
	}
	return &Searcher{store: s, idx: idx, embedder: embedder, cache: c, cfg: cfg}
}

// Search runs the requested retrieval mode and returns up to K enriched
// results ordered by descending score. Results are cached per
// (query, k, mode, alpha, user).
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Query == "" {
		return nil, nil
	}
	if req.K <= 0 {
		req.K = s.cfg.TopKDefault
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}

	cacheKey := cache.QueryKey(req.UserID, req.Query, req.K, req.Mode, req.Alpha)
	if data, ok := s.cache.Get(ctx, cacheKey); ok {
		var cached []Result
		if err := json.Unmarshal(data, &cached); err == nil {
			slog.Debug("search: cache hit", "user_id", req.UserID, "k", req.K, "mode", req.Mode)
			return cached, nil
		}
		slog.Warn("search: discarding undecodable cache entry", "key", cacheKey)
	}

	branchK := req.K * s.cfg.BranchMultiplier
	if branchK > s.cfg.BranchCap {
		branchK = s.cfg.BranchCap
	}

	start := time.Now()
	var results []Result
	var err error
	switch req.Mode {
	case ModeVector:
		results, err = s.vectorOnly(ctx, req, branchK)
	case ModeLexical:
		results, err = s.lexicalOnly(ctx, req, branchK)
	case ModeHybrid:
		results, err = s.hybrid(ctx, req, branchK)
	default:
		return nil, fmt.Errorf("search: unknown mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	if len(results) > req.K {
		results = results[:req.K]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	slog.Info("search: complete",
		"user_id", req.UserID, "mode", req.Mode, "k", req.K,
		"results", len(results), "elapsed", time.Since(start).Round(time.Millisecond))

	if data, merr := json.Marshal(results); merr == nil {
		s.cache.Set(ctx, cacheKey, data, s.cfg.QueryCacheTTL)
	}
	return results, nil
}

// branchHit is one pre-fusion hit with its branch-native score.
type branchHit struct {
	ref   store.ChunkRef
	score float64
}

func (s *Searcher) vectorOnly(ctx context.Context, req Request, branchK int) ([]Result, error) {
	hits, err := s.vectorBranch(ctx, req.Query, branchK, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toResults(hits), nil
}

func (s *Searcher) lexicalOnly(ctx context.Context, req Request, branchK int) ([]Result, error) {
	hits, err := s.lexicalBranch(ctx, req.Query, branchK, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return toResults(hits), nil
}

// hybrid runs both branches concurrently and fuses by reciprocal rank:
//
//	rrf(c) = alpha * 1/(C + rank_vec) + (1-alpha) * 1/(C + rank_lex)
//
// with a missing rank contributing zero. One failed branch degrades to an
// empty list; only both failing surfaces ErrUnavailable.
func (s *Searcher) hybrid(ctx context.Context, req Request, branchK int) ([]Result, error) {
	type branch struct {
		hits []branchHit
		err  error
	}

	vecCh := make(chan branch, 1)
	lexCh := make(chan branch, 1)

	go func() {
		hits, err := s.vectorBranch(ctx, req.Query, branchK, req.UserID)
		vecCh <- branch{hits, err}
	}()
	go func() {
		hits, err := s.lexicalBranch(ctx, req.Query, branchK, req.UserID)
		lexCh <- branch{hits, err}
	}()

	vec := <-vecCh
	lex := <-lexCh

	if vec.err != nil {
		slog.Warn("search: vector branch failed", "error", vec.err)
	}
	if lex.err != nil {
		slog.Warn("search: lexical branch failed", "error", lex.err)
	}
	if vec.err != nil && lex.err != nil {
		return nil, fmt.Errorf("%w: vector: %v; lexical: %v", ErrUnavailable, vec.err, lex.err)
	}

	return s.fuse(vec.hits, lex.hits, req.Alpha), nil
}

// fuse combines the two ranked lists by weighted reciprocal rank.
func (s *Searcher) fuse(vecHits, lexHits []branchHit, alpha float64) []Result {
	c := float64(s.cfg.RRFConstant)

	type entry struct {
		ref   store.ChunkRef
		score float64
	}
	fused := make(map[int64]*entry)

	for rank, h := range vecHits {
		e, ok := fused[h.ref.ID]
		if !ok {
			e = &entry{ref: h.ref}
			fused[h.ref.ID] = e
		}
		e.score += alpha / (c + float64(rank+1))
	}
	for rank, h := range lexHits {
		e, ok := fused[h.ref.ID]
		if !ok {
			e = &entry{ref: h.ref}
			fused[h.ref.ID] = e
		}
		e.score += (1 - alpha) / (c + float64(rank+1))
	}

	hits := make([]branchHit, 0, len(fused))
	for _, e := range fused {
		hits = append(hits, branchHit{ref: e.ref, score: e.score})
	}
	sortHits(hits)
	return toResults(hits)
}

// vectorBranch embeds the query (through the embedding cache), searches the
// vector index, and resolves the raw chunk ids against the store with the
// owner filter applied in-SQL. Index order is preserved for surviving rows.
func (s *Searcher) vectorBranch(ctx context.Context, query string, k int, userID int64) ([]branchHit, error) {
	embedding, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	raw, err := s.idx.Search(embedding, k)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(raw))
	for i, r := range raw {
		ids[i] = r.ChunkID
	}
	refs, err := s.store.ResolveOwnedChunks(ctx, ids, userID)
	if err != nil {
		return nil, err
	}

	hits := make([]branchHit, 0, len(refs))
	for _, r := range raw {
		ref, ok := refs[r.ChunkID]
		if !ok {
			continue // not this user's chunk
		}
		// L2 distance to similarity in (0, 1].
		hits = append(hits, branchHit{ref: ref, score: 1.0 / (1.0 + r.Distance)})
	}
	return hits, nil
}

func (s *Searcher) lexicalBranch(ctx context.Context, query string, k int, userID int64) ([]branchHit, error) {
	lexHits, err := s.store.SearchLexical(ctx, query, k, userID)
	if err != nil {
		return nil, err
	}
	hits := make([]branchHit, len(lexHits))
	for i, h := range lexHits {
		hits[i] = branchHit{ref: h.ChunkRef, score: h.Score}
	}
	return hits, nil
}

// embedQuery returns the query embedding, consulting the embedding cache
// first. Cache failures degrade to a provider call.
func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := cache.EmbeddingKey(query)
	if data, ok := s.cache.Get(ctx, key); ok {
		var emb []float32
		if err := json.Unmarshal(data, &emb); err == nil && len(emb) > 0 {
			return emb, nil
		}
	}

	embs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	if data, err := json.Marshal(embs[0]); err == nil {
		s.cache.Set(ctx, key, data, s.cfg.EmbeddingCacheTTL)
	}
	return embs[0], nil
}

func sortHits(hits []branchHit) {
	// Descending score; chunk id as the deterministic tiebreak.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].ref.ID < hits[j].ref.ID
	})
}

func toResults(hits []branchHit) []Result {
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			ChunkID:          h.ref.ID,
			DocumentID:       h.ref.DocumentID,
			DocumentFilename: h.ref.DocumentFilename,
			Content:          h.ref.Content,
			ChunkIndex:       h.ref.ChunkIndex,
			PageNumber:       h.ref.PageNumber,
			Score:            h.score,
		}
	}
	return out
}
