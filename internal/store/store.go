// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"

	"github.com/sigil-dev/memfabric/pkg/types"
)

// KV is the durable key/value contract. Records are the source of truth;
// every index in the fabric is rebuildable from what a KV holds.
//
// Get returns an error classified by IsNotFound when the key is absent.
// Scan visits keys with the given prefix in ascending byte order and stops
// at the first error returned by fn. Apply commits every op in the batch
// atomically or none of them.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Apply(ctx context.Context, batch *Batch) error
	Close() error
}

// KeywordIndex provides term-match scores for sparse retrieval.
// Scores are higher-is-better and only comparable within one result set.
type KeywordIndex interface {
	Index(ctx context.Context, doc KeywordDoc) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, layers []types.Layer, limit int) ([]KeywordHit, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// VectorStore is an exact nearest-neighbor store used as a dense fallback
// while a layer's approximate index is rebuilding. The "layer" metadata
// key routes a vector to its layer; the "layer" filter restricts a search.
type VectorStore interface {
	Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error
	Search(ctx context.Context, query []float32, k int, filters map[string]any) ([]VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// OpKind distinguishes batch operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single write in a Batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch collects writes applied atomically by KV.Apply.
type Batch struct {
	ops []Op
}

// Put queues a write of value under key.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	return b
}

// Delete queues removal of key.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
	return b
}

// Ops returns the queued operations in order.
func (b *Batch) Ops() []Op { return b.ops }

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }
