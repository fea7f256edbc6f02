// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package fabric_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/secrets"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSecrets is an in-memory secrets.Store.
type memSecrets map[string]string

func (m memSecrets) Set(service, key, value string) error {
	m[service+"/"+key] = value
	return nil
}

func (m memSecrets) Get(service, key string) (string, error) {
	v, ok := m[service+"/"+key]
	if !ok {
		return "", mferr.Errorf(mferr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	return v, nil
}

func (m memSecrets) Delete(service, key string) error {
	delete(m, service+"/"+key)
	return nil
}

// openAIServer returns the same unit vector for every input and records the
// bearer token it was called with.
func openAIServer(t *testing.T, auth *atomic.Value) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float64{0, 1, 0, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFabric_HostedBackendFromConfig(t *testing.T) {
	var auth atomic.Value
	srv := openAIServer(t, &auth)

	store := memSecrets{}
	require.NoError(t, store.Set("memfabric", "openai", "sk-from-keyring"))

	cfg := testConfig(t)
	cfg.Embedding.Remote.Provider = "openai"
	cfg.Embedding.Remote.Lane = "gpu"
	cfg.Embedding.Remote.APIKey = secrets.Ref("memfabric", "openai")
	cfg.Embedding.Remote.BaseURL = srv.URL

	f := open(t, cfg, fabric.WithSecretStore(store))
	ctx := context.Background()

	rec, err := f.Remember(ctx, fabric.RememberRequest{Content: "hosted embeddings reach the store"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, rec.Embedding)
	assert.Equal(t, "Bearer sk-from-keyring", auth.Load())
	assert.Contains(t, f.Stats().Backends, "openai")
}

func TestFabric_HostedBackendUnresolvedKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Remote.Provider = "openai"
	cfg.Embedding.Remote.APIKey = secrets.Ref("memfabric", "absent")

	_, err := fabric.Open(context.Background(), cfg, fabric.WithSecretStore(memSecrets{}))
	require.Error(t, err)
	assert.True(t, mferr.IsNotFound(err))
}
