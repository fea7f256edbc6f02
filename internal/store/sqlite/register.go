// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"os"
	"path/filepath"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Database file names inside the data directory. index.db and vectors.db
// hold derived data and may be deleted to force a rebuild.
const (
	kvFile      = "memfabric.db"
	keywordFile = "index.db"
	vectorFile  = "vectors.db"
)

func init() {
	store.RegisterKV("sqlite", newKV)
	store.RegisterIndexes("sqlite", newIndexes)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "creating data dir %s: %w", dir, err)
	}
	return nil
}

func newKV(cfg *store.Config) (store.KV, error) {
	if err := ensureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return NewKV(filepath.Join(cfg.DataDir, kvFile))
}

func newIndexes(cfg *store.Config) (store.KeywordIndex, store.VectorStore, error) {
	if err := ensureDir(cfg.DataDir); err != nil {
		return nil, nil, err
	}

	kw, err := NewKeywordIndex(filepath.Join(cfg.DataDir, keywordFile))
	if err != nil {
		return nil, nil, err
	}

	vs, err := NewVectorStore(filepath.Join(cfg.DataDir, vectorFile), cfg.Dimensions)
	if err != nil {
		_ = kw.Close()
		return nil, nil, err
	}

	return kw, vs, nil
}
