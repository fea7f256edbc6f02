// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tiered_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sigil-dev/memfabric/internal/store"
	_ "github.com/sigil-dev/memfabric/internal/store/sqlite"
	"github.com/sigil-dev/memfabric/internal/tiered"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/require"
)

const dims = 4

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func openBackend(t *testing.T) *store.Backend {
	t.Helper()

	b, err := store.Open(&store.Config{Backend: "sqlite", DataDir: t.TempDir(), Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testOptions(b *store.Backend, c *clock) tiered.Options {
	return tiered.Options{
		Dimensions: dims,
		Policies: map[types.Layer]tiered.LayerPolicy{
			types.LayerInteract: {TTL: time.Hour, MinDwell: 10 * time.Minute},
			types.LayerInsights: {TTL: 24 * time.Hour, MinDwell: time.Hour},
		},
		MaxRetries: 2,
		Keywords:   b.Keywords,
		Vectors:    b.Vectors,
		Clock:      c.Now,
	}
}

func openStore(t *testing.T, b *store.Backend, c *clock) *tiered.Store {
	t.Helper()

	s, err := tiered.Open(context.Background(), b.KV, testOptions(b, c))
	require.NoError(t, err)
	return s
}

func put(t *testing.T, s *tiered.Store, content string, vec []float32, layer types.Layer) *store.Record {
	t.Helper()

	rec, err := s.Put(context.Background(), tiered.PutRequest{Content: content, Embedding: vec, Layer: layer})
	require.NoError(t, err)
	return rec
}

func always(a tiered.Action, score float64) tiered.Decider {
	return tiered.DeciderFunc(func(*store.Record, time.Time) tiered.Decision {
		return tiered.Decision{Action: a, Score: score}
	})
}

func openStoreWith(t *testing.T, b *store.Backend, opts tiered.Options) *tiered.Store {
	t.Helper()

	s, err := tiered.Open(context.Background(), b.KV, opts)
	require.NoError(t, err)
	return s
}
