// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package index implements a hierarchical navigable small world graph for
// approximate nearest-neighbor search over one memory layer.
package index

import (
	"cmp"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Metric selects how similarity is computed.
type Metric string

const (
	// MetricCosine normalizes vectors on insert and query.
	MetricCosine Metric = "cosine"
	// MetricDot uses the raw inner product; inputs are assumed normalized.
	MetricDot Metric = "dot"
)

const maxLevel = 16

// Config tunes graph construction and search.
type Config struct {
	Dimensions     int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
	TombstoneRatio float64
	Seed           uint64
}

// DefaultConfig returns the default tuning for vectors of dim dimensions.
func DefaultConfig(dim int) Config {
	return Config{
		Dimensions:     dim,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		Metric:         MetricCosine,
		TombstoneRatio: 0.2,
		Seed:           1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Dimensions)
	if c.M < 2 {
		c.M = def.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = def.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = def.EfSearch
	}
	if c.Metric == "" {
		c.Metric = def.Metric
	}
	if c.TombstoneRatio <= 0 {
		c.TombstoneRatio = def.TombstoneRatio
	}
	return c
}

// Hit is a single search result.
type Hit struct {
	ID         string
	Similarity float64
}

// HNSW is a single-writer, multi-reader proximity graph. Removed points are
// tombstoned and keep routing searches until the next compaction.
type HNSW struct {
	mu         sync.RWMutex
	cfg        Config
	g          *graph
	rng        *rand.Rand
	generation uint64
	rebuilding atomic.Bool
}

// New creates an empty index.
func New(cfg Config) (*HNSW, error) {
	if cfg.Dimensions <= 0 {
		return nil, mferr.Errorf(mferr.CodeIndexInsertInvalidInput, "index dimensions must be positive, got %d", cfg.Dimensions)
	}
	cfg = cfg.withDefaults()
	if cfg.Metric != MetricCosine && cfg.Metric != MetricDot {
		return nil, mferr.Errorf(mferr.CodeIndexInsertInvalidInput, "unknown index metric %q", cfg.Metric)
	}
	return &HNSW{
		cfg: cfg,
		g:   newGraph(cfg),
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the effective configuration.
func (h *HNSW) Config() Config {
	return h.cfg
}

// Insert adds vec under id. Inserting an id that is already live replaces
// the previous point.
func (h *HNSW) Insert(id string, vec []float32) error {
	if id == "" {
		return mferr.New(mferr.CodeIndexInsertInvalidInput, "index id must not be empty")
	}
	if len(vec) != h.cfg.Dimensions {
		return mferr.Errorf(mferr.CodeIndexInsertInvalidInput,
			"vector for %s has %d dimensions, index expects %d", id, len(vec), h.cfg.Dimensions)
	}
	v := h.prepare(vec)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.g.tombstone(id)
	h.g.insert(id, v, h.randomLevel())
	h.generation++
	return nil
}

// Search returns up to k live points ordered by similarity descending, ties
// broken by lower id. ef <= 0 uses the configured EfSearch.
func (h *HNSW) Search(query []float32, k, ef int) ([]Hit, error) {
	if len(query) != h.cfg.Dimensions {
		return nil, mferr.Errorf(mferr.CodeIndexSearchInvalidInput,
			"query has %d dimensions, index expects %d", len(query), h.cfg.Dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	q := h.prepare(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.g.search(q, k, max(ef, k)), nil
}

// Remove tombstones id and reports whether it was live. Crossing the
// tombstone ratio triggers a compaction before Remove returns.
func (h *HNSW) Remove(id string) bool {
	h.mu.Lock()
	removed := h.g.tombstone(id)
	if removed {
		h.generation++
	}
	compact := removed && h.g.tombstoneRatio() > h.cfg.TombstoneRatio
	h.mu.Unlock()

	if compact {
		h.Compact()
	}
	return removed
}

// Compact rebuilds the graph from live points without holding the lock,
// then swaps it in if no mutation happened meanwhile.
func (h *HNSW) Compact() {
	if !h.rebuilding.CompareAndSwap(false, true) {
		return
	}
	defer h.rebuilding.Store(false)

	h.mu.RLock()
	live := h.g.livePoints()
	gen := h.generation
	tombstones := h.g.tombstones
	h.mu.RUnlock()

	fresh := newGraph(h.cfg)
	rng := rand.New(rand.NewPCG(h.cfg.Seed, gen))
	for _, p := range live {
		fresh.insert(p.id, p.vec, levelFor(rng, h.cfg.M))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != gen {
		slog.Debug("index compaction discarded after concurrent mutation", "live", len(live))
		return
	}
	h.g = fresh
	h.generation++
	slog.Info("index compacted", "live", len(live), "dropped_tombstones", tombstones)
}

// Rebuilding reports whether a compaction is in progress.
func (h *HNSW) Rebuilding() bool {
	return h.rebuilding.Load()
}

// Len returns the number of live points.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.g.byID)
}

// Tombstones returns the number of removed points still in the graph.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.g.tombstones
}

// IDs returns the live ids in ascending order.
func (h *HNSW) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.g.byID))
	for id := range h.g.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Contains reports whether id is live.
func (h *HNSW) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.g.byID[id]
	return ok
}

func (h *HNSW) prepare(vec []float32) []float32 {
	v := slices.Clone(vec)
	if h.cfg.Metric == MetricCosine {
		Normalize(v)
	}
	return v
}

// randomLevel must be called with the write lock held.
func (h *HNSW) randomLevel() int {
	return levelFor(h.rng, h.cfg.M)
}

// levelFor draws floor(-ln(U) * mL) with mL = 1/ln(M).
func levelFor(rng *rand.Rand, m int) int {
	u := 1 - rng.Float64()
	level := int(math.Floor(-math.Log(u) / math.Log(float64(m))))
	return min(level, maxLevel)
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func sortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
