// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package fabric_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/retrieval"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend embeds with fn and counts calls.
type stubBackend struct {
	fn    func(text string) []float32
	calls atomic.Int64
}

func (s *stubBackend) Name() string                { return "stub" }
func (s *stubBackend) Kind() embedding.BackendKind { return embedding.KindCPU }

func (s *stubBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.fn(t)
	}
	return out, nil
}

func hashBackend() *stubBackend {
	return &stubBackend{fn: func(text string) []float32 { return embedding.HashVector(text, 4) }}
}

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

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Dimensions = 4
	cfg.Cache.Capacity = 64
	cfg.Embedding.MaxWait = time.Millisecond
	cfg.Embedding.CPUWorkers = 2
	return cfg
}

func open(t *testing.T, cfg *config.Config, opts ...fabric.Option) *fabric.Fabric {
	t.Helper()

	f, err := fabric.Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestFabric_RoundTrip(t *testing.T) {
	unit := &stubBackend{fn: func(string) []float32 { return []float32{1, 0, 0, 0} }}
	f := open(t, testConfig(t), fabric.WithCPUBackend(unit))
	ctx := context.Background()

	rec, err := f.Remember(ctx, fabric.RememberRequest{Content: "the deploy key rotates on fridays"})
	require.NoError(t, err)
	assert.Equal(t, types.LayerInteract, rec.Layer)

	resp, err := f.Recall(ctx, fabric.RecallRequest{Query: "when does the deploy key rotate", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, rec.ID, resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].DenseSim, 1e-6)
	assert.Equal(t, "interact/"+rec.ID, resp.Results[0].Citation)
	assert.False(t, resp.Incomplete)
}

func TestFabric_RecallDefaultsK(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retrieval.DefaultK = 2
	f := open(t, cfg, fabric.WithCPUBackend(hashBackend()))
	ctx := context.Background()

	for _, content := range []string{"deploy runbook", "deploy checklist", "deploy rollback"} {
		_, err := f.Remember(ctx, fabric.RememberRequest{Content: content})
		require.NoError(t, err)
	}

	resp, err := f.Recall(ctx, fabric.RecallRequest{Query: "deploy runbook", Scope: retrieval.ScopeExhaustive})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	_, err = f.Recall(ctx, fabric.RecallRequest{Query: "deploy runbook", K: -1})
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestFabric_RecallTouchesResults(t *testing.T) {
	f := open(t, testConfig(t), fabric.WithCPUBackend(hashBackend()))
	ctx := context.Background()

	rec, err := f.Remember(ctx, fabric.RememberRequest{Content: "grafana dashboard for checkout latency"})
	require.NoError(t, err)

	for range 3 {
		_, err := f.Recall(ctx, fabric.RecallRequest{Query: "checkout latency", K: 1})
		require.NoError(t, err)
	}

	got, err := f.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AccessCount)
	assert.Equal(t, int64(3), f.Stats().Metrics.Searches)
}

func TestFabric_CriticalPlacement(t *testing.T) {
	cfg := testConfig(t)
	cfg.Promotion.CriticalRule = `content.contains("incident")`
	f := open(t, cfg, fabric.WithCPUBackend(hashBackend()))
	ctx := context.Background()

	tests := []struct {
		name string
		req  fabric.RememberRequest
		want types.Layer
	}{
		{"plain", fabric.RememberRequest{Content: "lunch at noon"}, types.LayerInteract},
		{"explicit layer", fabric.RememberRequest{Content: "style guide", Layer: types.LayerInsights}, types.LayerInsights},
		{"critical flag", fabric.RememberRequest{Content: "root password location", Critical: true}, types.LayerAssets},
		{"pinned metadata", fabric.RememberRequest{Content: "on-call rota", Metadata: map[string]string{"pinned": "true"}}, types.LayerAssets},
		{"critical rule", fabric.RememberRequest{Content: "incident 42 postmortem"}, types.LayerAssets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := f.Remember(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Layer)
		})
	}
}

func TestFabric_RememberValidation(t *testing.T) {
	f := open(t, testConfig(t), fabric.WithCPUBackend(hashBackend()))

	_, err := f.Remember(context.Background(), fabric.RememberRequest{})
	assert.True(t, mferr.IsInvalidInput(err))

	_, err = f.Remember(context.Background(), fabric.RememberRequest{Content: "x", Layer: "archive"})
	assert.True(t, mferr.IsInvalidInput(err))

	_, err = f.Recall(context.Background(), fabric.RecallRequest{K: 1})
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestFabric_Forget(t *testing.T) {
	f := open(t, testConfig(t), fabric.WithCPUBackend(hashBackend()))
	ctx := context.Background()

	rec, err := f.Remember(ctx, fabric.RememberRequest{Content: "temporary note"})
	require.NoError(t, err)
	require.NoError(t, f.Forget(ctx, rec.ID))

	_, err = f.Get(ctx, rec.ID)
	assert.True(t, mferr.IsNotFound(err))
	assert.True(t, mferr.IsNotFound(f.Forget(ctx, rec.ID)))
}

func TestFabric_EmbeddingsAreCached(t *testing.T) {
	backend := hashBackend()
	f := open(t, testConfig(t), fabric.WithCPUBackend(backend))
	ctx := context.Background()

	for range 2 {
		_, err := f.Remember(ctx, fabric.RememberRequest{Content: "same text"})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), backend.calls.Load())
	st := f.Stats()
	assert.Equal(t, int64(1), st.Cache.Hits)
	assert.Equal(t, int64(1), st.Cache.Misses)
	assert.Equal(t, int64(1), st.Metrics.CacheHits)
	assert.Equal(t, 2, st.Layers[types.LayerInteract].Live)
}

func TestFabric_PromotesFrequentlyRecalledRecord(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := open(t, testConfig(t),
		fabric.WithCPUBackend(hashBackend()),
		fabric.WithClock(c.Now),
		fabric.WithMeterProvider(mp),
	)
	ctx := context.Background()

	rec, err := f.Remember(ctx, fabric.RememberRequest{Content: "kubernetes rollout plan"})
	require.NoError(t, err)
	for range 10 {
		resp, err := f.Recall(ctx, fabric.RecallRequest{Query: "kubernetes rollout", K: 1})
		require.NoError(t, err)
		require.Equal(t, rec.ID, resp.Results[0].ID)
	}

	c.Advance(2 * time.Hour)
	res, err := f.RunPromotion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)

	got, err := f.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LayerInsights, got.Layer)
	assert.Equal(t, int64(8), got.AccessCount)

	st := f.Stats()
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, res.ID, st.LastCycle.ID)
	assert.Equal(t, int64(1), st.Metrics.Promoted[types.LayerInteract])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["memfabric.search.latency"])
	assert.True(t, names["memfabric.promotion.promoted"])
	assert.True(t, names["memfabric.index.size"])
}

func TestFabric_ReopenRecallsByKeywordsWithoutBackends(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := fabric.Open(ctx, cfg, fabric.WithCPUBackend(hashBackend()))
	require.NoError(t, err)
	rec, err := first.Remember(ctx, fabric.RememberRequest{Content: "kubernetes upgrade notes"})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx), "close is idempotent")

	second := open(t, cfg)

	_, err = second.Remember(ctx, fabric.RememberRequest{Content: "new text"})
	assert.True(t, mferr.IsDegraded(err))

	resp, err := second.Recall(ctx, fabric.RecallRequest{Query: "kubernetes", K: 3, Scope: retrieval.ScopeExhaustive})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, rec.ID, resp.Results[0].ID)
	assert.Zero(t, resp.Results[0].DenseSim)
	assert.Equal(t, 1, second.Stats().Layers[types.LayerInteract].Live)
}

func TestFabric_HashFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Fallback = embedding.FallbackHash
	f := open(t, cfg)

	rec, err := f.Remember(context.Background(), fabric.RememberRequest{Content: "served by the fallback"})
	require.NoError(t, err)
	assert.Equal(t, embedding.HashVector("served by the fallback", 4), rec.Embedding)
}

func TestFabric_OpenRejectsBadCriticalRule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Promotion.CriticalRule = "access_count +"

	_, err := fabric.Open(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, mferr.IsInvalidInput(err))
}

var _ embedding.Backend = (*stubBackend)(nil)
