// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// KeyNotFound returns the not-found error KV implementations report for an
// absent key.
func KeyNotFound(key []byte) error {
	return mferr.New(mferr.CodeStoreKVGetNotFound, "key not found", mferr.Field("key", string(key)))
}

// ReadFailure wraps a backend read error as a storage error.
func ReadFailure(err error, op string) error {
	return mferr.Wrapf(err, mferr.CodeStoreKVReadFailure, "kv %s", op)
}

// WriteFailure wraps a backend write error as a storage error.
func WriteFailure(err error, op string) error {
	return mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "kv %s", op)
}
