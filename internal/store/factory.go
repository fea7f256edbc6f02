// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"errors"
	"sync"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Config controls which backends the store factory uses.
type Config struct {
	Backend     string // KV backend name: "sqlite" or "redis".
	DataDir     string // Directory for local database files.
	Dimensions  int    // Embedding dimensions for the exact vector mirror.
	RedisURL    string
	RedisPrefix string
}

// KVFactory opens a durable KV for the given config.
type KVFactory func(cfg *Config) (KV, error)

// IndexFactory opens the local derived indexes. They hold no data that
// cannot be rebuilt from the KV.
type IndexFactory func(cfg *Config) (KeywordIndex, VectorStore, error)

var (
	kvFactories    = map[string]KVFactory{}
	indexFactories = map[string]IndexFactory{}
	factoriesMu    sync.RWMutex
)

// RegisterKV registers a KV factory under name. Backend packages call this
// from init(). This function is goroutine-safe.
func RegisterKV(name string, f KVFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	kvFactories[name] = f
}

// RegisterIndexes registers the factory for local derived indexes.
func RegisterIndexes(name string, f IndexFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	indexFactories[name] = f
}

// Backend bundles the durable KV with its derived indexes.
type Backend struct {
	KV       KV
	Keywords KeywordIndex
	Vectors  VectorStore
}

// Close closes every component, collecting errors.
func (b *Backend) Close() error {
	var errs []error
	if b.Keywords != nil {
		if err := b.Keywords.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Vectors != nil {
		if err := b.Vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.KV != nil {
		if err := b.KV.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg *Config) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// Open creates the KV named by cfg.Backend and the sqlite derived indexes.
func Open(cfg *Config) (*Backend, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	kvFactory, ok := kvFactories[backend]
	indexFactory, idxOK := indexFactories["sqlite"]
	factoriesMu.RUnlock()
	if !ok {
		return nil, mferr.Errorf(mferr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}
	if !idxOK {
		return nil, mferr.Errorf(mferr.CodeStoreBackendUnsupported, "no index backend registered")
	}

	kv, err := kvFactory(cfg)
	if err != nil {
		return nil, err
	}

	keywords, vectors, err := indexFactory(cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	return &Backend{KV: kv, Keywords: keywords, Vectors: vectors}, nil
}
