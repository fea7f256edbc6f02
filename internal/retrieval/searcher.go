// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package retrieval fuses dense and keyword candidates from the tiered
// store into a single ranked result list, with optional reranking.
package retrieval

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigil-dev/memfabric/internal/index"
	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/internal/tiered"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// Source is the dense side of the tiered store.
type Source interface {
	Search(ctx context.Context, layer types.Layer, vec []float32, k, ef int) ([]tiered.Hit, error)
	SearchLayers(ctx context.Context, layers []types.Layer, vec []float32, k, ef int) (map[types.Layer][]tiered.Hit, error)
	Lookup(id string) (*store.Record, bool)
	Rebuilding(layer types.Layer) bool
}

// Request is a single retrieval query. Vector, Query and Keywords may be
// combined; at least one of Vector and Query is required. Vector-only
// requests are not reranked.
type Request struct {
	Query    string
	Vector   []float32
	Keywords []string
	K        int
	Scope    Scope
	// Layer is required for ScopeSingle and ignored otherwise.
	Layer types.Layer
	// Weights overrides the configured fusion weights.
	Weights *Weights
	// Modality is passed to the reranker as a hint.
	Modality string
}

// Result is one ranked record.
type Result struct {
	ID       string      `json:"id"`
	Layer    types.Layer `json:"layer"`
	Score    float64     `json:"score"`
	Snippet  string      `json:"snippet"`
	Citation string      `json:"citation"`

	DenseSim    float64  `json:"dense_sim"`
	SparseSim   float64  `json:"sparse_sim"`
	Recency     float64  `json:"recency"`
	Quality     float64  `json:"quality"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Response holds ranked results. Incomplete is set when the context ended
// before every layer or rerank batch was processed.
type Response struct {
	Results    []Result      `json:"results"`
	Elapsed    time.Duration `json:"elapsed"`
	Incomplete bool          `json:"incomplete"`
}

type candidate struct {
	rec    *store.Record
	dense  float64
	sparse float64
	// filled during fusion
	sparseNorm float64
	recency    float64
	quality    float64
	score      float64
	rerank     *float64
}

// Searcher runs hybrid retrieval. It is safe for concurrent use.
type Searcher struct {
	cfg      Config
	src      Source
	keywords store.KeywordIndex
	vectors  store.VectorStore
	reranker Reranker
	now      func() time.Time
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithKeywordIndex enables sparse candidates.
func WithKeywordIndex(k store.KeywordIndex) Option {
	return func(s *Searcher) { s.keywords = k }
}

// WithVectorStore enables the exact dense fallback used while a layer
// index is rebuilding.
func WithVectorStore(v store.VectorStore) Option {
	return func(s *Searcher) { s.vectors = v }
}

// WithReranker enables reranking of the top fused candidates.
func WithReranker(r Reranker) Option {
	return func(s *Searcher) { s.reranker = r }
}

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) { s.now = now }
}

// NewSearcher creates a Searcher over src.
func NewSearcher(src Source, cfg Config, opts ...Option) *Searcher {
	s := &Searcher{cfg: cfg.withDefaults(), src: src, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search gathers, fuses and ranks candidates. A zero K asks for the
// configured default count. When ctx ends mid-search the results gathered
// so far are returned with Incomplete set and no error.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.K == 0 {
		req.K = s.cfg.DefaultK
	}

	layers, weights, err := s.plan(req)
	if err != nil {
		return nil, err
	}

	q := query{
		vec:   req.Vector,
		text:  strings.TrimSpace(strings.Join(append([]string{req.Query}, req.Keywords...), " ")),
		terms: terms(req.Query, req.Keywords),
		k:     req.K,
	}

	var (
		cands      map[string]*candidate
		incomplete bool
	)
	switch scope := cmp.Or(req.Scope, s.cfg.Scope); scope {
	case ScopeExhaustive:
		cands, incomplete, err = s.gatherConcurrent(ctx, q, layers)
	default:
		cands, incomplete, err = s.gatherSequential(ctx, q, layers, scope == ScopeKnowledgeFirst)
	}
	if err != nil {
		return nil, err
	}

	ranked := s.fuse(cands, q, weights)
	if s.reranker != nil && q.text != "" && len(ranked) > 0 {
		var stopped bool
		ranked, stopped = s.rerank(ctx, req, q.text, ranked)
		incomplete = incomplete || stopped
	}
	if len(ranked) > req.K {
		ranked = ranked[:req.K]
	}

	resp := &Response{Results: make([]Result, 0, len(ranked)), Incomplete: incomplete}
	for _, c := range ranked {
		resp.Results = append(resp.Results, Result{
			ID:          c.rec.ID,
			Layer:       c.rec.Layer,
			Score:       c.score,
			Snippet:     Snippet(c.rec.Content, q.terms),
			Citation:    Citation(c.rec),
			DenseSim:    c.dense,
			SparseSim:   c.sparseNorm,
			Recency:     c.recency,
			Quality:     c.quality,
			RerankScore: c.rerank,
		})
	}
	resp.Elapsed = time.Since(start)

	if incomplete {
		slog.Debug("search returned partial results", "results", len(resp.Results), "elapsed", resp.Elapsed)
	}
	return resp, nil
}

type query struct {
	vec   []float32
	text  string
	terms []string
	k     int
}

func (s *Searcher) plan(req Request) ([]types.Layer, Weights, error) {
	if req.K <= 0 {
		return nil, Weights{}, mferr.Errorf(mferr.CodeRetrievalRequestInvalidInput, "k must be positive, got %d", req.K)
	}
	if len(req.Vector) == 0 && strings.TrimSpace(req.Query) == "" {
		return nil, Weights{}, mferr.New(mferr.CodeRetrievalRequestInvalidInput, "query text or vector is required")
	}

	weights := s.cfg.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}
	if err := weights.validate(); err != nil {
		return nil, Weights{}, err
	}

	switch scope := cmp.Or(req.Scope, s.cfg.Scope); scope {
	case ScopeSingle:
		if !req.Layer.Valid() {
			return nil, Weights{}, mferr.Errorf(mferr.CodeRetrievalRequestInvalidInput,
				"single-layer scope needs a valid layer, got %q", req.Layer)
		}
		return []types.Layer{req.Layer}, weights, nil
	case ScopeKnowledgeFirst:
		return types.KnowledgeFirst, weights, nil
	case ScopeExhaustive:
		return types.Layers, weights, nil
	default:
		return nil, Weights{}, mferr.Errorf(mferr.CodeRetrievalRequestInvalidInput, "unknown scope %q", scope)
	}
}

// gatherSequential visits layers in order. With stopEarly it stops once k
// candidates reach the knowledge similarity floor.
func (s *Searcher) gatherSequential(ctx context.Context, q query, layers []types.Layer, stopEarly bool) (map[string]*candidate, bool, error) {
	all := make(map[string]*candidate)
	for _, layer := range layers {
		if ctx.Err() != nil {
			return all, true, nil
		}
		got, err := s.gatherLayer(ctx, q, layer, nil)
		mergeCandidates(all, got)
		if err != nil {
			if ctx.Err() != nil {
				return all, true, nil
			}
			return nil, false, err
		}
		if stopEarly && s.strongMatches(all) >= q.k {
			break
		}
	}
	return all, false, nil
}

func (s *Searcher) gatherConcurrent(ctx context.Context, q query, layers []types.Layer) (map[string]*candidate, bool, error) {
	var (
		mu  sync.Mutex
		all = make(map[string]*candidate)
	)

	var pre map[types.Layer][]*store.Record
	if len(q.vec) > 0 {
		var err error
		if pre, err = s.denseAll(ctx, q.vec, layers); err != nil {
			if ctx.Err() != nil {
				return all, true, nil
			}
			return nil, false, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range layers {
		g.Go(func() error {
			got, err := s.gatherLayer(gctx, q, layer, pre)
			mu.Lock()
			mergeCandidates(all, got)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil {
		return all, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return all, false, nil
}

func (s *Searcher) strongMatches(cands map[string]*candidate) int {
	n := 0
	for _, c := range cands {
		if c.dense >= s.cfg.KnowledgeMinSimilarity {
			n++
		}
	}
	return n
}

// gatherLayer collects dense and sparse candidates from one layer, taking
// dense candidates from pre when it holds the layer. It returns what it
// found even when it fails part way.
func (s *Searcher) gatherLayer(ctx context.Context, q query, layer types.Layer, pre map[types.Layer][]*store.Record) (map[string]*candidate, error) {
	out := make(map[string]*candidate)
	add := func(rec *store.Record) *candidate {
		if c, ok := out[rec.ID]; ok {
			return c
		}
		c := &candidate{rec: rec}
		if len(q.vec) > 0 {
			c.dense = index.Cosine(q.vec, rec.Embedding)
		}
		out[rec.ID] = c
		return c
	}

	if recs, ok := pre[layer]; ok {
		for _, rec := range recs {
			add(rec)
		}
	} else if len(q.vec) > 0 {
		recs, err := s.dense(ctx, q.vec, layer)
		for _, rec := range recs {
			add(rec)
		}
		if err != nil {
			return out, err
		}
	}

	if s.keywords != nil && q.text != "" {
		hits, err := s.keywords.Search(ctx, q.text, []types.Layer{layer}, s.cfg.SparseCandidates)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			slog.Warn("keyword search failed, continuing with dense candidates", "layer", layer, "error", err)
			return out, nil
		}
		for _, h := range hits {
			rec, ok := s.src.Lookup(h.ID)
			if !ok || rec.Layer != layer {
				continue
			}
			c := add(rec)
			c.sparse = max(c.sparse, h.Score)
		}
	}
	return out, nil
}

// dense returns the layer's nearest records, from the exact mirror while
// the layer's index is rebuilding.
func (s *Searcher) dense(ctx context.Context, vec []float32, layer types.Layer) ([]*store.Record, error) {
	if s.vectors != nil && s.src.Rebuilding(layer) {
		slog.Debug("serving dense candidates from exact mirror", "layer", layer)
		q := slices.Clone(vec)
		index.Normalize(q)
		results, err := s.vectors.Search(ctx, q, s.cfg.DenseCandidates, map[string]any{"layer": string(layer)})
		if err != nil {
			return nil, mferr.Wrapf(err, mferr.CodeStoreVectorQueryFailure, "exact search in %s", layer)
		}
		recs := make([]*store.Record, 0, len(results))
		for _, r := range results {
			if rec, ok := s.src.Lookup(r.ID); ok && rec.Layer == layer {
				recs = append(recs, rec)
			}
		}
		return recs, nil
	}

	hits, err := s.src.Search(ctx, layer, vec, s.cfg.DenseCandidates, 0)
	if err != nil {
		return nil, err
	}
	recs := make([]*store.Record, 0, len(hits))
	for _, h := range hits {
		recs = append(recs, h.Record)
	}
	return recs, nil
}

// denseAll gathers dense candidates for every layer whose index is live
// from one consistent view of the store. Rebuilding layers are left out and
// served from the exact mirror by gatherLayer.
func (s *Searcher) denseAll(ctx context.Context, vec []float32, layers []types.Layer) (map[types.Layer][]*store.Record, error) {
	live := make([]types.Layer, 0, len(layers))
	for _, l := range layers {
		if s.vectors == nil || !s.src.Rebuilding(l) {
			live = append(live, l)
		}
	}

	found, err := s.src.SearchLayers(ctx, live, vec, s.cfg.DenseCandidates, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Layer][]*store.Record, len(found))
	for l, hits := range found {
		recs := make([]*store.Record, 0, len(hits))
		for _, h := range hits {
			recs = append(recs, h.Record)
		}
		out[l] = recs
	}
	return out, nil
}

// fuse scores every candidate and orders them by score descending, ties
// broken by lower id.
func (s *Searcher) fuse(cands map[string]*candidate, q query, w Weights) []*candidate {
	maxSparse := 0.0
	for _, c := range cands {
		maxSparse = max(maxSparse, c.sparse)
	}

	now := s.now()
	out := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if maxSparse > 0 {
			c.sparseNorm = max(c.sparse, 0) / maxSparse
		}
		c.recency = recency(now.Sub(c.rec.LastAccessedAt), s.cfg.RecencyHalfLife)
		c.quality = SourceQuality(c.rec)
		c.score = w.Dense*c.dense + w.Sparse*c.sparseNorm + w.Recency*c.recency + w.Quality*c.quality
		out = append(out, c)
	}
	slices.SortFunc(out, byScore)
	return out
}

func byScore(a, b *candidate) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return cmp.Compare(a.rec.ID, b.rec.ID)
}

func recency(age, halfLife time.Duration) float64 {
	return math.Exp(-math.Ln2 * float64(max(age, 0)) / float64(halfLife))
}

// layerQuality is the default source quality per layer.
var layerQuality = map[types.Layer]float64{
	types.LayerAssets:   1.0,
	types.LayerInsights: 0.7,
	types.LayerInteract: 0.4,
}

// SourceQuality returns the record's source_quality metadata clamped to
// [0, 1], or its layer's default.
func SourceQuality(rec *store.Record) float64 {
	if raw, ok := rec.Metadata["source_quality"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) {
			return min(max(v, 0), 1)
		}
	}
	return layerQuality[rec.Layer]
}

func mergeCandidates(dst, src map[string]*candidate) {
	for id, c := range src {
		if _, ok := dst[id]; !ok {
			dst[id] = c
		}
	}
}
