// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package embedding turns text into vectors. It holds the backend contract,
// the GPU/CPU dispatch pipeline with per-backend circuit breakers, and the
// content-addressed embedding cache.
package embedding

import "context"

// BackendKind tags a backend as accelerator or host compute.
type BackendKind string

const (
	KindGPU BackendKind = "gpu"
	KindCPU BackendKind = "cpu"
)

// Backend produces one vector per input text, in order.
type Backend interface {
	Name() string
	Kind() BackendKind
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder produces a vector for a single text. Pipeline implements it.
type Embedder interface {
	Embed(ctx context.Context, text string, opts ...EmbedOption) ([]float32, error)
}

type embedOptions struct {
	urgent bool
}

// EmbedOption customizes a single Embed call.
type EmbedOption func(*embedOptions)

// Urgent makes Embed fail fast with a retryable error instead of waiting
// for room in a full queue.
func Urgent() EmbedOption {
	return func(o *embedOptions) { o.urgent = true }
}
