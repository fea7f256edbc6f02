// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/embedding/openai"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

type embedItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// newServer answers embeddings requests with [index, len(text), 0...] vectors,
// listing them in reverse order to exercise index placement.
func newServer(t *testing.T, dims int, seen *embedRequest) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embedRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = req
		}

		data := make([]embedItem, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float64, dims)
			vec[0] = float64(i)
			vec[1] = float64(len(req.Input[i]))
			data = append(data, embedItem{Object: "embedding", Index: i, Embedding: vec})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestBackend_Defaults(t *testing.T) {
	b, err := openai.New(openai.Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Name())
	assert.Equal(t, embedding.KindGPU, b.Kind())

	b, err = openai.New(openai.Config{APIKey: "sk-test", Kind: embedding.KindCPU})
	require.NoError(t, err)
	assert.Equal(t, embedding.KindCPU, b.Kind())
}

func TestBackend_EmbedBatchOrdersByIndex(t *testing.T) {
	var seen embedRequest
	srv := newServer(t, 4, &seen)

	b, err := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 4})
	require.NoError(t, err)

	vecs, err := b.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		require.Len(t, v, 4)
		assert.InDelta(t, float32(i), v[0], 1e-6)
		assert.InDelta(t, float32(i+1), v[1], 1e-6)
	}

	assert.Equal(t, []string{"a", "bb", "ccc"}, seen.Input)
	assert.Equal(t, openai.DefaultModel, seen.Model)
	assert.Equal(t, 4, seen.Dimensions)
}

func TestBackend_EmptyBatch(t *testing.T) {
	b, err := openai.New(openai.Config{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	vecs, err := b.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestBackend_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)

	b, err := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = b.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, mferr.HasCode(err, mferr.CodeEmbeddingBackendFailure))
}

func TestBackend_ServesPipeline(t *testing.T) {
	srv := newServer(t, 4, nil)
	b, err := openai.New(openai.Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	p, err := embedding.NewPipeline(embedding.PipelineConfig{
		Dimensions:    4,
		MaxBatchSize:  8,
		QueueCapacity: 16,
		CPUWorkers:    1,
	}, b, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)
	assert.InDelta(t, 5.0, vec[1], 1e-6)
}
