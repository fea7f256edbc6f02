// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tiered

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/sigil-dev/memfabric/internal/index"
	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// Open loads every record from kv and restores the derived state: review
// queues, vector indexes, keyword index and vector mirror. Any derived
// state that disagrees with the records is rebuilt from them.
func Open(ctx context.Context, kv store.KV, opts Options) (*Store, error) {
	s, err := newStore(kv, opts)
	if err != nil {
		return nil, err
	}

	if err := s.loadRecords(ctx); err != nil {
		return nil, err
	}
	if err := s.reconcileDue(ctx); err != nil {
		return nil, err
	}
	for _, l := range types.Layers {
		if err := s.loadIndex(ctx, l); err != nil {
			return nil, err
		}
	}
	s.reconcileDerived(ctx)

	slog.Info("tiered store opened", "records", len(s.layerOf), "dimensions", s.opts.Dimensions)
	return s, nil
}

func (s *Store) loadRecords(ctx context.Context) error {
	err := s.kv.Scan(ctx, store.RecordPrefix(""), func(key, value []byte) error {
		var rec store.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return mferr.Wrapf(err, mferr.CodeStoreKVDecodeFailure, "decoding record at %s", key)
		}
		if !rec.Layer.Valid() || len(rec.Embedding) != s.opts.Dimensions {
			slog.Warn("skipping unusable record", "key", string(key), "layer", rec.Layer, "dimensions", len(rec.Embedding))
			return nil
		}
		s.insertLocked(&rec)
		return nil
	})
	if err != nil {
		return mferr.Wrap(err, mferr.CodeStoreKVReadFailure, "loading records")
	}
	return nil
}

// reconcileDue makes the persisted review keys match the loaded records.
func (s *Store) reconcileDue(ctx context.Context) error {
	batch := &store.Batch{}
	for _, l := range types.Layers {
		persisted := make(map[string]bool)
		err := s.kv.Scan(ctx, store.DuePrefix(l), func(key, _ []byte) error {
			layer, at, id, ok := store.ParseDueKey(key)
			rec, live := s.records[l][id]
			if !ok || layer != l || !live || rec.DueAt == nil || !rec.DueAt.Equal(at) {
				batch.Delete(slices.Clone(key))
				return nil
			}
			persisted[id] = true
			return nil
		})
		if err != nil {
			return mferr.Wrapf(err, mferr.CodeStoreKVReadFailure, "loading %s review queue", l)
		}
		for id, rec := range s.records[l] {
			if rec.DueAt != nil && !persisted[id] {
				batch.Put(store.DueKey(l, *rec.DueAt, id), nil)
			}
		}
	}

	if batch.Len() == 0 {
		return nil
	}
	slog.Warn("repairing review queue", "ops", batch.Len())
	if err := s.kv.Apply(ctx, batch); err != nil {
		return mferr.Wrap(err, mferr.CodeStoreKVWriteFailure, "repairing review queue")
	}
	return nil
}

// loadIndex restores a layer's graph from its snapshot, or rebuilds it
// from the records when the snapshot is missing, corrupt or stale.
func (s *Store) loadIndex(ctx context.Context, l types.Layer) error {
	data, err := s.kv.Get(ctx, store.SnapshotKey(l))
	switch {
	case mferr.IsNotFound(err):
		if len(s.records[l]) > 0 {
			slog.Warn("index snapshot missing, rebuilding", "layer", l)
		}
		return s.rebuildIndex(l)
	case err != nil:
		return mferr.Wrapf(err, mferr.CodeStoreKVReadFailure, "loading %s index snapshot", l)
	}

	idx, err := index.UnmarshalHNSW(data, s.opts.Index)
	if err != nil {
		slog.Warn("index snapshot unusable, rebuilding", "layer", l, "error", err)
		return s.rebuildIndex(l)
	}
	if !slices.Equal(idx.IDs(), s.layerIDs(l)) {
		slog.Warn("index snapshot out of date, rebuilding", "layer", l, "indexed", idx.Len(), "records", len(s.records[l]))
		return s.rebuildIndex(l)
	}
	s.indexes[l] = idx
	return nil
}

func (s *Store) rebuildIndex(l types.Layer) error {
	idx, err := index.New(s.opts.Index)
	if err != nil {
		return err
	}
	for _, id := range s.layerIDs(l) {
		rec := s.records[l][id]
		if err := idx.Insert(id, rec.Embedding); err != nil {
			return err
		}
	}
	s.indexes[l] = idx
	return nil
}

func (s *Store) layerIDs(l types.Layer) []string {
	ids := make([]string, 0, len(s.records[l]))
	for id := range s.records[l] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// reconcileDerived rebuilds the keyword index and vector mirror when their
// counts disagree with the records. Failures leave retrieval degraded but
// do not fail Open.
func (s *Store) reconcileDerived(ctx context.Context) {
	total := len(s.layerOf)
	all := make([]*store.Record, 0, total)
	for _, l := range types.Layers {
		for _, id := range s.layerIDs(l) {
			all = append(all, s.records[l][id])
		}
	}

	if s.keywords != nil {
		if n, err := s.keywords.Count(ctx); err != nil || n != total {
			slog.Warn("reindexing keyword index", "indexed", n, "records", total, "error", err)
			if err := s.keywords.Clear(ctx); err != nil {
				slog.Error("clearing keyword index", "error", err)
			} else {
				for _, rec := range all {
					s.indexKeywords(ctx, rec)
				}
			}
		}
	}

	if s.vectors != nil {
		if n, err := s.vectors.Count(ctx); err != nil || n != total {
			slog.Warn("rebuilding vector mirror", "mirrored", n, "records", total, "error", err)
			if err := s.vectors.Clear(ctx); err != nil {
				slog.Error("clearing vector mirror", "error", err)
				return
			}
			for _, rec := range all {
				if err := s.vectors.Store(ctx, rec.ID, mirrorVector(rec.Embedding), map[string]any{"layer": string(rec.Layer)}); err != nil {
					slog.Warn("mirroring record vector", "id", rec.ID, "error", err)
				}
			}
		}
	}
}
