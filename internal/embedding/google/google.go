// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package google implements embedding.Backend on the Gemini embeddings API.
package google

import (
	"context"

	"google.golang.org/genai"

	"github.com/sigil-dev/memfabric/internal/embedding"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-embedding-001"

// retrievalTask tells the API the vectors back a search index.
const retrievalTask = "RETRIEVAL_DOCUMENT"

var _ embedding.Backend = (*Backend)(nil)

// Config holds Google backend configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions, when positive, asks the API to truncate output vectors.
	Dimensions int
	Kind       embedding.BackendKind
}

// Backend embeds batches through Models.EmbedContent.
type Backend struct {
	client *genai.Client
	config Config
}

// New creates a Google embedding backend. Returns an error if the API key is
// missing.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, mferr.New(mferr.CodeEmbeddingBackendConfigInvalid, "google: missing api_key in config",
			mferr.FieldBackend("google"))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Kind == "" {
		cfg.Kind = embedding.KindGPU
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, mferr.Wrap(err, mferr.CodeEmbeddingBackendConfigInvalid, "google: creating client",
			mferr.FieldBackend("google"))
	}

	return &Backend{client: client, config: cfg}, nil
}

func (b *Backend) Name() string                { return "google" }
func (b *Backend) Kind() embedding.BackendKind { return b.config.Kind }

func (b *Backend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: retrievalTask}
	if b.config.Dimensions > 0 {
		dims := int32(b.config.Dimensions)
		cfg.OutputDimensionality = &dims
	}

	resp, err := b.client.Models.EmbedContent(ctx, b.config.Model, contents, cfg)
	if err != nil {
		return nil, mferr.Wrap(err, mferr.CodeEmbeddingBackendFailure, "google: embedding content",
			mferr.FieldBackend("google"))
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput,
			"google: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput, "google: embedding %d missing", i)
		}
		out[i] = e.Values
	}
	return out, nil
}
