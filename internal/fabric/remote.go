// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package fabric

import (
	"context"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/embedding/google"
	"github.com/sigil-dev/memfabric/internal/embedding/openai"
	"github.com/sigil-dev/memfabric/internal/secrets"
)

// remoteBackend builds the hosted embedding backend named by
// embedding.remote, or returns nil when none is configured. The API key may
// be a keyring reference.
func remoteBackend(ctx context.Context, cfg *config.Config, store secrets.Store) (embedding.Backend, error) {
	rc := cfg.Embedding.Remote
	if rc.Provider == "" {
		return nil, nil
	}

	apiKey, err := secrets.Resolve(store, rc.APIKey)
	if err != nil {
		return nil, err
	}

	dims := 0
	if rc.Dimensions {
		dims = cfg.Dimensions
	}
	kind := embedding.BackendKind(rc.Lane)

	switch rc.Provider {
	case "google":
		return google.New(ctx, google.Config{
			APIKey:     apiKey,
			BaseURL:    rc.BaseURL,
			Model:      rc.Model,
			Dimensions: dims,
			Kind:       kind,
		})
	default:
		return openai.New(openai.Config{
			APIKey:     apiKey,
			BaseURL:    rc.BaseURL,
			Model:      rc.Model,
			Dimensions: dims,
			Kind:       kind,
		})
	}
}
