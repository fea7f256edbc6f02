// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package index_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/sigil-dev/memfabric/internal/index"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		index.Normalize(v)
		out[i] = v
	}
	return out
}

func newIndex(t *testing.T, dim int) *index.HNSW {
	t.Helper()
	h, err := index.New(index.DefaultConfig(dim))
	require.NoError(t, err)
	return h
}

func TestHNSW_EmptyIndex(t *testing.T) {
	h := newIndex(t, 4)

	hits, err := h.Search([]float32{1, 0, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Zero(t, h.Len())
}

func TestHNSW_RoundTripTopOne(t *testing.T) {
	const dim = 32
	h := newIndex(t, dim)
	vecs := randomVectors(300, dim, 7)
	for i, v := range vecs {
		require.NoError(t, h.Insert(fmt.Sprintf("r%03d", i), v))
	}

	for i, v := range vecs {
		hits, err := h.Search(v, 1, 0)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, fmt.Sprintf("r%03d", i), hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	}
}

func TestHNSW_FewerLivePointsThanK(t *testing.T) {
	h := newIndex(t, 3)
	require.NoError(t, h.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, h.Insert("b", []float32{0, 1, 0}))

	hits, err := h.Search([]float32{1, 0, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestHNSW_TiesBrokenByLowerID(t *testing.T) {
	h := newIndex(t, 2)
	require.NoError(t, h.Insert("b", []float32{1, 0}))
	require.NoError(t, h.Insert("a", []float32{1, 0}))
	require.NoError(t, h.Insert("c", []float32{0, 1}))

	hits, err := h.Search([]float32{1, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, []string{"a", "b"}, []string{hits[0].ID, hits[1].ID})
}

func TestHNSW_InvalidInput(t *testing.T) {
	h := newIndex(t, 3)

	assert.True(t, mferr.IsInvalidInput(h.Insert("", []float32{1, 0, 0})))
	assert.True(t, mferr.IsInvalidInput(h.Insert("x", []float32{1, 0})))

	_, err := h.Search([]float32{1}, 1, 0)
	assert.True(t, mferr.IsInvalidInput(err))

	_, err = index.New(index.Config{})
	assert.True(t, mferr.IsInvalidInput(err))

	cfg := index.DefaultConfig(3)
	cfg.Metric = "manhattan"
	_, err = index.New(cfg)
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestHNSW_UpsertReplacesPoint(t *testing.T) {
	h := newIndex(t, 2)
	require.NoError(t, h.Insert("a", []float32{1, 0}))
	require.NoError(t, h.Insert("a", []float32{0, 1}))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, h.Tombstones())

	hits, err := h.Search([]float32{0, 1}, 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestHNSW_RemoveExcludesAndCompacts(t *testing.T) {
	const dim = 16
	h := newIndex(t, dim)
	vecs := randomVectors(50, dim, 11)
	for i, v := range vecs {
		require.NoError(t, h.Insert(fmt.Sprintf("r%02d", i), v))
	}

	assert.True(t, h.Remove("r00"))
	assert.False(t, h.Remove("r00"))
	assert.False(t, h.Remove("missing"))

	hits, err := h.Search(vecs[0], 50, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 49)
	for _, hit := range hits {
		assert.NotEqual(t, "r00", hit.ID)
	}

	for i := 1; i <= 10; i++ {
		h.Remove(fmt.Sprintf("r%02d", i))
	}
	assert.Equal(t, 39, h.Len())
	assert.Zero(t, h.Tombstones(), "crossing the tombstone ratio compacts")
	assert.False(t, h.Rebuilding())

	hits, err = h.Search(vecs[20], 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r20", hits[0].ID)
}

func TestHNSW_IDs(t *testing.T) {
	h := newIndex(t, 2)
	require.NoError(t, h.Insert("b", []float32{1, 0}))
	require.NoError(t, h.Insert("a", []float32{0, 1}))
	assert.Equal(t, []string{"a", "b"}, h.IDs())
	assert.True(t, h.Contains("a"))
	assert.False(t, h.Contains("z"))
}

func TestHNSW_RecallAgainstExactSearch(t *testing.T) {
	const (
		dim     = 24
		n       = 1000
		k       = 10
		queries = 50
	)
	ctx := context.Background()

	h := newIndex(t, dim)
	db := chromem.NewDB()
	col, err := db.CreateCollection("exact", nil, nil)
	require.NoError(t, err)

	vecs := randomVectors(n, dim, 42)
	docs := make([]chromem.Document, n)
	for i, v := range vecs {
		id := fmt.Sprintf("d%04d", i)
		require.NoError(t, h.Insert(id, v))
		docs[i] = chromem.Document{ID: id, Embedding: v, Content: id}
	}
	require.NoError(t, col.AddDocuments(ctx, docs, 4))

	found, total := 0, 0
	for _, q := range randomVectors(queries, dim, 99) {
		exact, err := col.QueryEmbedding(ctx, q, k, nil, nil)
		require.NoError(t, err)

		hits, err := h.Search(q, k, 0)
		require.NoError(t, err)

		got := make(map[string]bool, len(hits))
		for _, hit := range hits {
			got[hit.ID] = true
		}
		for _, r := range exact {
			total++
			if got[r.ID] {
				found++
			}
		}
	}

	recall := float64(found) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d", k)
}

func TestHNSW_ConcurrentReadersDuringWrites(t *testing.T) {
	const dim = 8
	h := newIndex(t, dim)
	vecs := randomVectors(200, dim, 5)
	for i, v := range vecs[:100] {
		require.NoError(t, h.Insert(fmt.Sprintf("r%03d", i), v))
	}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				_, err := h.Search(vecs[(w*25+i)%200], 5, 0)
				assert.NoError(t, err)
			}
		}()
	}

	for i, v := range vecs[100:] {
		require.NoError(t, h.Insert(fmt.Sprintf("r%03d", i+100), v))
		if i%3 == 0 {
			h.Remove(fmt.Sprintf("r%03d", i))
		}
	}
	wg.Wait()

	assert.Equal(t, 200-34, h.Len())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, index.Cosine([]float32{2, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, index.Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, index.Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, index.Cosine([]float32{1}, []float32{1, 0}))
}
