// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sigil-dev/memfabric/internal/embedding"
)

// fakeBackend returns hash vectors and can be told to fail or block.
type fakeBackend struct {
	name  string
	kind  embedding.BackendKind
	dims  int
	fail  atomic.Bool
	calls atomic.Int64
	block chan struct{}

	mu      sync.Mutex
	batches []int
}

func newFakeBackend(name string, kind embedding.BackendKind, dims int) *fakeBackend {
	return &fakeBackend{name: name, kind: kind, dims: dims}
}

func (f *fakeBackend) Name() string                { return f.name }
func (f *fakeBackend) Kind() embedding.BackendKind { return f.kind }

func (f *fakeBackend) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, len(texts))
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New(f.name + " unavailable")
	}
	return embedding.NewHashBackend(f.dims).EmbedBatch(ctx, texts)
}

// countingEmbedder counts Embed calls and returns hash vectors.
type countingEmbedder struct {
	dims  int
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string, _ ...embedding.EmbedOption) ([]float32, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	return embedding.HashVector(text, c.dims), nil
}
