// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retrieval_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sigil-dev/memfabric/internal/retrieval"
	"github.com/sigil-dev/memfabric/internal/store"
	_ "github.com/sigil-dev/memfabric/internal/store/sqlite"
	"github.com/sigil-dev/memfabric/internal/tiered"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *tiered.Store
	backend *store.Backend
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b, err := store.Open(&store.Config{DataDir: t.TempDir(), Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := tiered.Open(context.Background(), b.KV, tiered.Options{
		Dimensions: 4,
		Keywords:   b.Keywords,
		Vectors:    b.Vectors,
		Clock:      c.Now,
	})
	require.NoError(t, err)
	return &fixture{store: s, backend: b, clock: c}
}

func (f *fixture) searcher(cfg retrieval.Config, opts ...retrieval.Option) *retrieval.Searcher {
	opts = append([]retrieval.Option{
		retrieval.WithKeywordIndex(f.backend.Keywords),
		retrieval.WithVectorStore(f.backend.Vectors),
		retrieval.WithClock(f.clock.Now),
	}, opts...)
	return retrieval.NewSearcher(f.store, cfg, opts...)
}

func (f *fixture) put(t *testing.T, content string, vec []float32, layer types.Layer, md map[string]string) *store.Record {
	t.Helper()

	rec, err := f.store.Put(context.Background(), tiered.PutRequest{Content: content, Embedding: vec, Layer: layer, Metadata: md})
	require.NoError(t, err)
	return rec
}

func ids(resp *retrieval.Response) []string {
	out := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.ID)
	}
	return out
}

// rebuilding reports every layer as rebuilding and refuses index searches,
// forcing the exact fallback.
type rebuilding struct {
	*tiered.Store
}

func (rebuilding) Rebuilding(types.Layer) bool { return true }

func (rebuilding) Search(context.Context, types.Layer, []float32, int, int) ([]tiered.Hit, error) {
	panic("index searched while rebuilding")
}
