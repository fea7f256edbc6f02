// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package openai implements embedding.Backend on the OpenAI embeddings API.
// Any OpenAI-compatible server works when BaseURL is set.
package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/sigil-dev/memfabric/internal/embedding"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openaisdk.EmbeddingModelTextEmbedding3Small

var _ embedding.Backend = (*Backend)(nil)

// Config holds OpenAI backend configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	Model   string
	// Dimensions, when positive, is sent with each request so that
	// text-embedding-3 models shorten their output to match the store.
	Dimensions int
	Kind       embedding.BackendKind
	// MaxRetries bounds SDK-level retries. Zero leaves failover to the
	// pipeline breakers.
	MaxRetries int
}

// Backend embeds batches with a single embeddings request per batch.
type Backend struct {
	client openaisdk.Client
	config Config
}

// New creates an OpenAI embedding backend. Returns an error if the API key
// is missing.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, mferr.New(mferr.CodeEmbeddingBackendConfigInvalid, "openai: missing api_key in config",
			mferr.FieldBackend("openai"))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Kind == "" {
		cfg.Kind = embedding.KindGPU
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Backend{client: openaisdk.NewClient(opts...), config: cfg}, nil
}

func (b *Backend) Name() string                { return "openai" }
func (b *Backend) Kind() embedding.BackendKind { return b.config.Kind }

func (b *Backend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: b.config.Model,
	}
	if b.config.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(b.config.Dimensions))
	}

	resp, err := b.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, mferr.Wrap(err, mferr.CodeEmbeddingBackendFailure, "openai: creating embeddings",
			mferr.FieldBackend("openai"))
	}

	return collect(resp.Data, len(texts))
}

// collect places each embedding at its reported index and narrows it to
// float32.
func collect(data []openaisdk.Embedding, want int) ([][]float32, error) {
	if len(data) != want {
		return nil, mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput,
			"openai: got %d embeddings for %d inputs", len(data), want)
	}

	out := make([][]float32, want)
	for _, d := range data {
		if d.Index < 0 || int(d.Index) >= want || out[d.Index] != nil {
			return nil, mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput,
				"openai: embedding index %d out of range or repeated", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		out[d.Index] = v
	}
	return out, nil
}
