// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package google_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/embedding/google"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part struct {
	Text string `json:"text"`
}

type batchRequest struct {
	Requests []struct {
		Model   string `json:"model"`
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		TaskType             string `json:"taskType"`
		OutputDimensionality int    `json:"outputDimensionality"`
	} `json:"requests"`
}

// newServer answers batchEmbedContents with [len(text), position, 0...]
// vectors.
func newServer(t *testing.T, dims int, seen *batchRequest) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":batchEmbedContents") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var req batchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = req
		}

		embeddings := make([]map[string]any, len(req.Requests))
		for i, rq := range req.Requests {
			vec := make([]float32, dims)
			if len(rq.Content.Parts) > 0 {
				vec[0] = float32(len(rq.Content.Parts[0].Text))
			}
			vec[1] = float32(i)
			embeddings[i] = map[string]any{"values": vec}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := google.New(context.Background(), google.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, mferr.IsInvalidInput(err))
}

func TestBackend_EmbedBatch(t *testing.T) {
	var seen batchRequest
	srv := newServer(t, 3, &seen)

	b, err := google.New(context.Background(), google.Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Dimensions: 3,
		Kind:       embedding.KindCPU,
	})
	require.NoError(t, err)
	assert.Equal(t, "google", b.Name())
	assert.Equal(t, embedding.KindCPU, b.Kind())

	vecs, err := b.EmbedBatch(context.Background(), []string{"one", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{3, 0, 0}, vecs[0])
	assert.Equal(t, []float32{5, 1, 0}, vecs[1])

	require.Len(t, seen.Requests, 2)
	assert.Equal(t, "RETRIEVAL_DOCUMENT", seen.Requests[0].TaskType)
	assert.Equal(t, 3, seen.Requests[0].OutputDimensionality)
	assert.Contains(t, seen.Requests[0].Model, google.DefaultModel)
}

func TestBackend_EmptyBatch(t *testing.T) {
	b, err := google.New(context.Background(), google.Config{APIKey: "test-key", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	vecs, err := b.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestBackend_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad input","status":"INVALID_ARGUMENT"}}`))
	}))
	t.Cleanup(srv.Close)

	b, err := google.New(context.Background(), google.Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = b.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, mferr.HasCode(err, mferr.CodeEmbeddingBackendFailure))
}
