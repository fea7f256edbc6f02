// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sigil-dev/memfabric/internal/embedding"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 8

func newTestPipeline(t *testing.T, cfg embedding.PipelineConfig, gpu, cpu embedding.Backend) *embedding.Pipeline {
	t.Helper()
	if cfg.Dimensions == 0 {
		cfg.Dimensions = testDims
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Millisecond
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}
	p, err := embedding.NewPipeline(cfg, gpu, cpu)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPipeline_PrefersGPU(t *testing.T) {
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims)
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{}, gpu, cpu)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, embedding.HashVector("hello", testDims), vec)
	assert.Equal(t, int64(1), gpu.calls.Load())
	assert.Zero(t, cpu.calls.Load())
}

func TestPipeline_FallsBackToCPUAfterThreeGPUFailures(t *testing.T) {
	ctx := context.Background()
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims)
	gpu.fail.Store(true)
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{FailureThreshold: 3}, gpu, cpu)

	for i := range 3 {
		vec, err := p.Embed(ctx, fmt.Sprintf("request %d", i))
		require.NoError(t, err, "gpu failure %d is retried on cpu", i+1)
		assert.Len(t, vec, testDims)
	}
	assert.Equal(t, int64(3), gpu.calls.Load())
	assert.Equal(t, health.StateUnhealthy, p.Health()["gpu-0"].State)

	vec, err := p.Embed(ctx, "request 4")
	require.NoError(t, err)
	assert.Equal(t, embedding.HashVector("request 4", testDims), vec)
	assert.Equal(t, int64(3), gpu.calls.Load(), "open breaker skips the gpu")
	assert.Equal(t, int64(4), cpu.calls.Load())
}

func TestPipeline_DegradedWhenNoBackendAdmits(t *testing.T) {
	ctx := context.Background()
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims)
	gpu.fail.Store(true)
	p := newTestPipeline(t, embedding.PipelineConfig{FailureThreshold: 2}, gpu, nil)

	for range 2 {
		_, err := p.Embed(ctx, "x")
		require.Error(t, err)
		assert.True(t, mferr.HasCode(err, mferr.CodeEmbeddingBackendFailure))
		assert.False(t, mferr.IsDegraded(err))
	}

	_, err := p.Embed(ctx, "x")
	require.Error(t, err)
	assert.True(t, mferr.IsDegraded(err))

	_, err = p.EmbedBatch(ctx, []string{"y"})
	assert.True(t, mferr.IsDegraded(err))
}

func TestPipeline_NoBackends(t *testing.T) {
	p := newTestPipeline(t, embedding.PipelineConfig{}, nil, nil)
	_, err := p.Embed(context.Background(), "x")
	assert.True(t, mferr.IsDegraded(err))
}

func TestPipeline_HashFallback(t *testing.T) {
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims)
	gpu.fail.Store(true)
	p := newTestPipeline(t, embedding.PipelineConfig{Fallback: embedding.FallbackHash}, gpu, nil)

	vec, err := p.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, embedding.HashVector("x", testDims), vec)
}

func TestPipeline_WrongDimensionsCountAsFailure(t *testing.T) {
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims+1)
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{FailureThreshold: 1}, gpu, cpu)

	vec, err := p.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, testDims)
	assert.Equal(t, health.StateUnhealthy, p.Health()["gpu-0"].State)
}

func TestPipeline_ProbeRecovers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	gpu := newFakeBackend("gpu-0", embedding.KindGPU, testDims)
	gpu.fail.Store(true)
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{FailureThreshold: 1, Cooldown: time.Minute}, gpu, cpu)
	p.Breaker(embedding.KindGPU).SetNowFunc(func() time.Time { return now })

	_, err := p.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, health.StateUnhealthy, p.Breaker(embedding.KindGPU).State())

	gpu.fail.Store(false)
	p.Breaker(embedding.KindGPU).SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })

	_, err = p.Embed(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gpu.calls.Load())
	assert.Equal(t, health.StateHealthy, p.Breaker(embedding.KindGPU).State())
	assert.Nil(t, p.Breaker("tpu"))
}

func TestPipeline_CoalescesConcurrentRequests(t *testing.T) {
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{MaxBatchSize: 4, MaxWait: 200 * time.Millisecond}, nil, cpu)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Embed(context.Background(), fmt.Sprintf("t%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{4}, cpu.batchSizes())
}

func TestPipeline_UrgentFailsFastWhenQueueFull(t *testing.T) {
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	cpu.block = make(chan struct{})
	defer close(cpu.block)
	p := newTestPipeline(t, embedding.PipelineConfig{
		MaxBatchSize:  1,
		QueueCapacity: 1,
		CPUWorkers:    1,
	}, nil, cpu)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Occupy the single worker, then fill the queue.
	for i := range 3 {
		go func() { _, _ = p.Embed(ctx, fmt.Sprintf("fill %d", i)) }()
	}

	require.Eventually(t, func() bool {
		_, err := p.Embed(ctx, "urgent", embedding.Urgent())
		return mferr.IsRetryable(err)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_BlockingEnqueueHonorsContext(t *testing.T) {
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	cpu.block = make(chan struct{})
	defer close(cpu.block)
	p := newTestPipeline(t, embedding.PipelineConfig{MaxBatchSize: 1, QueueCapacity: 1, CPUWorkers: 1}, nil, cpu)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Embed(ctx, "waits")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeline_EmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p := newTestPipeline(t, embedding.PipelineConfig{MaxBatchSize: 3}, nil, cpu)

	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, embedding.HashVector(text, testDims), vecs[i])
	}
	assert.ElementsMatch(t, []int{3, 3, 1}, cpu.batchSizes())
}

func TestPipeline_InvalidInput(t *testing.T) {
	p := newTestPipeline(t, embedding.PipelineConfig{}, nil, nil)

	_, err := p.Embed(context.Background(), "")
	assert.True(t, mferr.IsInvalidInput(err))

	_, err = p.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.True(t, mferr.IsInvalidInput(err))

	_, err = embedding.NewPipeline(embedding.PipelineConfig{Dimensions: 4, Fallback: "zeros"}, nil, nil)
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestPipeline_ClosedRejects(t *testing.T) {
	cpu := newFakeBackend("cpu-0", embedding.KindCPU, testDims)
	p, err := embedding.NewPipeline(embedding.PipelineConfig{Dimensions: testDims}, nil, cpu)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Embed(context.Background(), "x")
	assert.True(t, mferr.HasCode(err, mferr.CodeEmbeddingPipelineClosedFailure))
}
