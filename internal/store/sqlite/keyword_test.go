// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite_test

import (
	"context"
	"testing"

	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/internal/store/sqlite"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeywords(t *testing.T) *sqlite.KeywordIndex {
	t.Helper()
	kw, err := sqlite.NewKeywordIndex(dbPath(t, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	return kw
}

func TestKeywordIndex_SearchRanksByRelevance(t *testing.T) {
	ctx := context.Background()
	kw := newTestKeywords(t)

	docs := []store.KeywordDoc{
		{ID: "r1", Layer: types.LayerInteract, Text: "deploy failed with timeout timeout timeout"},
		{ID: "r2", Layer: types.LayerInsights, Text: "a long note that mentions a timeout once among many other unrelated words about lunch"},
		{ID: "r3", Layer: types.LayerAssets, Text: "grocery list"},
	}
	for _, d := range docs {
		require.NoError(t, kw.Index(ctx, d))
	}

	hits, err := kw.Search(ctx, "timeout", nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "r1", hits[0].ID)
	assert.Equal(t, types.LayerInteract, hits[0].Layer)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Positive(t, hits[1].Score)
}

func TestKeywordIndex_LayerFilter(t *testing.T) {
	ctx := context.Background()
	kw := newTestKeywords(t)

	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "a", Layer: types.LayerInteract, Text: "redis outage"}))
	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "b", Layer: types.LayerAssets, Text: "redis runbook"}))

	hits, err := kw.Search(ctx, "redis", []types.Layer{types.LayerAssets}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestKeywordIndex_UpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	kw := newTestKeywords(t)

	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "a", Layer: types.LayerInteract, Text: "alpha"}))
	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "a", Layer: types.LayerInsights, Text: "beta"}))

	hits, err := kw.Search(ctx, "alpha", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = kw.Search(ctx, "beta", nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, types.LayerInsights, hits[0].Layer)

	n, err := kw.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, kw.Remove(ctx, "a"))
	require.NoError(t, kw.Remove(ctx, "a"))

	n, err = kw.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeywordIndex_PunctuationIsSafe(t *testing.T) {
	ctx := context.Background()
	kw := newTestKeywords(t)

	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "a", Layer: types.LayerInteract, Text: "user said: NOT (AND) \"quoted\""}))

	hits, err := kw.Search(ctx, `"quoted" AND (NOT`, nil, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = kw.Search(ctx, "?!*", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordIndex_EmptyIDRejected(t *testing.T) {
	kw := newTestKeywords(t)
	err := kw.Index(context.Background(), store.KeywordDoc{Layer: types.LayerInteract, Text: "x"})
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestMatchExpression(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Hello, World!", want: `"hello" OR "world"`},
		{in: "dup dup DUP", want: `"dup"`},
		{in: "  ", want: ""},
		{in: `a"b`, want: `"a" OR "b"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlite.MatchExpression(tt.in))
		})
	}
}

func TestKeywordIndex_Clear(t *testing.T) {
	ctx := context.Background()
	kw := newTestKeywords(t)

	require.NoError(t, kw.Index(ctx, store.KeywordDoc{ID: "a", Layer: types.LayerInteract, Text: "alpha"}))
	require.NoError(t, kw.Clear(ctx))

	n, err := kw.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := kw.Search(ctx, "alpha", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
