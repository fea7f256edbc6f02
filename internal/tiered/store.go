// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package tiered holds memory records in three layers with per-layer TTL,
// a vector index per layer, and a time-ordered review queue that drives
// promotion and expiry.
package tiered

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/oklog/ulid/v2"

	"github.com/sigil-dev/memfabric/internal/index"
	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// PutRequest describes a new record.
type PutRequest struct {
	Content   string
	Embedding []float32
	Layer     types.Layer
	Metadata  map[string]string
}

// dueItem orders the review queue by time, then id.
type dueItem struct {
	at time.Time
	id string
}

func dueLess(a, b dueItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// Store is the tiered record store. The KV holds the records; the maps,
// review queues and vector indexes are rebuilt from it on Open.
//
// writeMu serializes mutations including their KV I/O. mu guards the maps
// and review queues and is only held for in-memory updates, so readers
// never wait on I/O.
type Store struct {
	opts     Options
	kv       store.KV
	keywords store.KeywordIndex
	vectors  store.VectorStore
	now      func() time.Time
	indexes  map[types.Layer]*index.HNSW

	writeMu sync.Mutex
	entropy io.Reader

	mu      sync.RWMutex
	records map[types.Layer]map[string]*store.Record
	layerOf map[string]types.Layer
	due     map[types.Layer]*btree.BTreeG[dueItem]
}

func newStore(kv store.KV, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Dimensions <= 0 {
		return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "dimensions must be positive, got %d", opts.Dimensions)
	}

	s := &Store{
		opts:     opts,
		kv:       kv,
		keywords: opts.Keywords,
		vectors:  opts.Vectors,
		now:      opts.Clock,
		indexes:  make(map[types.Layer]*index.HNSW, len(types.Layers)),
		entropy:  ulid.Monotonic(crand.Reader, 0),
		records:  make(map[types.Layer]map[string]*store.Record, len(types.Layers)),
		layerOf:  make(map[string]types.Layer),
		due:      make(map[types.Layer]*btree.BTreeG[dueItem], len(types.Layers)),
	}
	for _, l := range types.Layers {
		idx, err := index.New(opts.Index)
		if err != nil {
			return nil, err
		}
		s.indexes[l] = idx
		s.records[l] = make(map[string]*store.Record)
		s.due[l] = btree.NewG(32, dueLess)
	}
	return s, nil
}

func (s *Store) policy(l types.Layer) LayerPolicy {
	return s.opts.Policies[l]
}

// place sets the TTL and review time for a record entering its layer at t.
func (s *Store) place(rec *store.Record, t time.Time) {
	p := s.policy(rec.Layer)
	rec.PlacedAt = t
	rec.ExpiresAt = nil
	if p.TTL > 0 {
		exp := t.Add(p.TTL)
		rec.ExpiresAt = &exp
	}
	s.schedule(rec, t)
}

// schedule sets DueAt to min(ExpiresAt, from + MinDwell). Records in the
// final layer are never reviewed.
func (s *Store) schedule(rec *store.Record, from time.Time) {
	rec.DueAt = nil
	if _, ok := rec.Layer.Next(); !ok {
		return
	}
	due := from.Add(s.policy(rec.Layer).MinDwell)
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(due) {
		due = *rec.ExpiresAt
	}
	rec.DueAt = &due
}

// Put validates and stores a new record.
func (s *Store) Put(ctx context.Context, req PutRequest) (*store.Record, error) {
	if req.Content == "" {
		return nil, mferr.New(mferr.CodeStoreRecordInvalidInput, "record content must not be empty")
	}
	if len(req.Embedding) != s.opts.Dimensions {
		return nil, mferr.Errorf(mferr.CodeStoreRecordInvalidInput,
			"embedding has %d dimensions, expected %d", len(req.Embedding), s.opts.Dimensions)
	}
	if !req.Layer.Valid() {
		return nil, mferr.Errorf(mferr.CodeStoreRecordInvalidInput, "invalid layer %q", req.Layer)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	rec := &store.Record{
		ID:             ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Layer:          req.Layer,
		Content:        req.Content,
		Embedding:      slices.Clone(req.Embedding),
		CreatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
		Metadata:       maps.Clone(req.Metadata),
	}
	s.place(rec, now)

	batch := &store.Batch{}
	if err := putRecord(batch, rec); err != nil {
		return nil, err
	}
	if err := s.kv.Apply(ctx, batch); err != nil {
		return nil, mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "storing record %s", rec.ID)
	}

	s.mu.Lock()
	s.insertLocked(rec)
	s.mu.Unlock()

	s.indexRecord(ctx, rec)
	return rec.Clone(), nil
}

// Get returns a copy of a live record.
func (s *Store) Get(_ context.Context, id string) (*store.Record, error) {
	rec, ok := s.Lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	return rec, nil
}

// Lookup returns a copy of a live record, or false when it is missing or
// expired.
func (s *Store) Lookup(id string) (*store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.currentLocked(id)
	if !ok || rec.Expired(s.now()) {
		return nil, false
	}
	return rec.Clone(), true
}

// Touch records an access. Unknown and expired ids are ignored.
func (s *Store) Touch(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	cur, ok := s.current(id)
	if !ok || cur.Expired(now) {
		return nil
	}

	next := cur.Clone()
	next.AccessCount++
	if now.After(next.LastAccessedAt) {
		next.LastAccessedAt = now
	}
	next.Version++

	return s.rewrite(ctx, cur, next)
}

// UpdateMetadata merges md into the record's metadata. Empty values delete
// keys. expectedVersion 0 skips the version check.
func (s *Store) UpdateMetadata(ctx context.Context, id string, expectedVersion uint64, md map[string]string) (*store.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.current(id)
	if !ok || cur.Expired(s.now()) {
		return nil, notFound(id)
	}
	if err := checkVersion(cur, expectedVersion); err != nil {
		return nil, err
	}

	next := cur.Clone()
	if next.Metadata == nil {
		next.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		if v == "" {
			delete(next.Metadata, k)
			continue
		}
		next.Metadata[k] = v
	}
	next.Version++

	if err := s.rewrite(ctx, cur, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Delete removes a record from its layer, the KV and every index.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.current(id)
	if !ok {
		return notFound(id)
	}
	return s.deleteLocked(ctx, cur, "explicit")
}

// Move promotes a record exactly one layer up. expectedVersion 0 means the
// latest version.
func (s *Store) Move(ctx context.Context, id string, expectedVersion uint64, dest types.Layer, adjust ...func(*store.Record)) (*store.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.current(id)
	if !ok {
		return nil, notFound(id)
	}
	if err := checkVersion(cur, expectedVersion); err != nil {
		return nil, err
	}
	return s.moveLocked(ctx, cur, dest, adjust...)
}

// Search returns up to k dense candidates from layer's index. Expired and
// missing records are skipped.
func (s *Store) Search(_ context.Context, layer types.Layer, vec []float32, k, ef int) ([]Hit, error) {
	idx, ok := s.indexes[layer]
	if !ok {
		return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "invalid layer %q", layer)
	}
	if k <= 0 {
		return nil, nil
	}
	return searchIndex(idx, layer, vec, k, ef, s.Lookup)
}

// SearchLayers searches several layers against a single view of the record
// maps, so a record moving between two of them is reported exactly once.
func (s *Store) SearchLayers(_ context.Context, layers []types.Layer, vec []float32, k, ef int) (map[types.Layer][]Hit, error) {
	for _, l := range layers {
		if _, ok := s.indexes[l]; !ok {
			return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "invalid layer %q", l)
		}
	}
	out := make(map[types.Layer][]Hit, len(layers))
	if k <= 0 {
		return out, nil
	}

	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	lookup := func(id string) (*store.Record, bool) {
		rec, ok := s.currentLocked(id)
		if !ok || rec.Expired(now) {
			return nil, false
		}
		return rec.Clone(), true
	}
	for _, l := range layers {
		hits, err := searchIndex(s.indexes[l], l, vec, k, ef, lookup)
		if err != nil {
			return nil, err
		}
		out[l] = hits
	}
	return out, nil
}

// searchIndex widens the index query until k hits resolve to live records
// in layer or the index runs out.
func searchIndex(idx *index.HNSW, layer types.Layer, vec []float32, k, ef int, lookup func(string) (*store.Record, bool)) ([]Hit, error) {
	for want := k; ; want *= 2 {
		found, err := idx.Search(vec, want, ef)
		if err != nil {
			return nil, err
		}

		hits := make([]Hit, 0, k)
		for _, h := range found {
			rec, ok := lookup(h.ID)
			if !ok || rec.Layer != layer {
				continue
			}
			hits = append(hits, Hit{Record: rec, Similarity: h.Similarity})
			if len(hits) == k {
				break
			}
		}
		if len(hits) == k || len(found) < want {
			return hits, nil
		}
	}
}

// Rebuilding reports whether layer's index is being compacted.
func (s *Store) Rebuilding(layer types.Layer) bool {
	idx, ok := s.indexes[layer]
	return ok && idx.Rebuilding()
}

// Stats returns per-layer counts.
func (s *Store) Stats() map[types.Layer]LayerStats {
	now := s.now()
	out := make(map[types.Layer]LayerStats, len(types.Layers))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range types.Layers {
		st := LayerStats{
			Records:    len(s.records[l]),
			Due:        s.due[l].Len(),
			Indexed:    s.indexes[l].Len(),
			Tombstones: s.indexes[l].Tombstones(),
			Rebuilding: s.indexes[l].Rebuilding(),
		}
		for _, r := range s.records[l] {
			if !r.Expired(now) {
				st.Live++
			}
		}
		out[l] = st
	}
	return out
}

// Len returns the number of records across all layers, expired included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layerOf)
}

// SaveSnapshots persists every layer's index.
func (s *Store) SaveSnapshots(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := &store.Batch{}
	for _, l := range types.Layers {
		data, err := s.indexes[l].MarshalBinary()
		if err != nil {
			return mferr.Wrapf(err, mferr.CodeStoreSnapshotEncodeFailure, "encoding %s index", l)
		}
		batch.Put(store.SnapshotKey(l), data)
	}
	if err := s.kv.Apply(ctx, batch); err != nil {
		return mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "saving index snapshots")
	}
	return nil
}

// Close saves the index snapshots. The KV and derived indexes belong to the
// caller.
func (s *Store) Close(ctx context.Context) error {
	return s.SaveSnapshots(ctx)
}

func (s *Store) current(id string) (*store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked(id)
}

func (s *Store) currentLocked(id string) (*store.Record, bool) {
	l, ok := s.layerOf[id]
	if !ok {
		return nil, false
	}
	rec, ok := s.records[l][id]
	return rec, ok
}

// insertLocked must be called with mu held.
func (s *Store) insertLocked(rec *store.Record) {
	s.records[rec.Layer][rec.ID] = rec
	s.layerOf[rec.ID] = rec.Layer
	if rec.DueAt != nil {
		s.due[rec.Layer].ReplaceOrInsert(dueItem{at: *rec.DueAt, id: rec.ID})
	}
}

// removeLocked must be called with mu held.
func (s *Store) removeLocked(rec *store.Record) {
	delete(s.records[rec.Layer], rec.ID)
	delete(s.layerOf, rec.ID)
	if rec.DueAt != nil {
		s.due[rec.Layer].Delete(dueItem{at: *rec.DueAt, id: rec.ID})
	}
}

// rewrite persists next in place of cur within the same layer. Callers
// hold writeMu.
func (s *Store) rewrite(ctx context.Context, cur, next *store.Record) error {
	batch := &store.Batch{}
	if cur.DueAt != nil && (next.DueAt == nil || !cur.DueAt.Equal(*next.DueAt)) {
		batch.Delete(store.DueKey(cur.Layer, *cur.DueAt, cur.ID))
	}
	if err := putRecord(batch, next); err != nil {
		return err
	}
	if err := s.kv.Apply(ctx, batch); err != nil {
		return mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "updating record %s", cur.ID)
	}

	s.mu.Lock()
	s.removeLocked(cur)
	s.insertLocked(next)
	s.mu.Unlock()

	if cur.Content != next.Content && s.keywords != nil {
		s.indexKeywords(ctx, next)
	}
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, cur *store.Record, reason string) error {
	batch := &store.Batch{}
	batch.Delete(store.RecordKey(cur.Layer, cur.ID))
	if cur.DueAt != nil {
		batch.Delete(store.DueKey(cur.Layer, *cur.DueAt, cur.ID))
	}
	if err := s.kv.Apply(ctx, batch); err != nil {
		return mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "deleting record %s", cur.ID)
	}

	s.mu.Lock()
	s.removeLocked(cur)
	s.mu.Unlock()

	s.indexes[cur.Layer].Remove(cur.ID)
	if s.keywords != nil {
		if err := s.keywords.Remove(ctx, cur.ID); err != nil {
			slog.Warn("removing keyword entry", "id", cur.ID, "error", err)
		}
	}
	if s.vectors != nil {
		if err := s.vectors.Delete(ctx, []string{cur.ID}); err != nil {
			slog.Warn("removing vector mirror entry", "id", cur.ID, "error", err)
		}
	}

	slog.Info("record deleted", "id", cur.ID, "layer", cur.Layer, "reason", reason)
	return nil
}

func (s *Store) moveLocked(ctx context.Context, cur *store.Record, dest types.Layer, adjust ...func(*store.Record)) (*store.Record, error) {
	if !cur.Layer.CanTransition(dest) {
		return nil, mferr.New(mferr.CodeStoreLayerTransitionInvalid,
			"records move exactly one layer up",
			mferr.FieldRecordID(cur.ID), mferr.Field("from", string(cur.Layer)), mferr.Field("to", string(dest)))
	}

	next := cur.Clone()
	next.Layer = dest
	s.place(next, s.now())
	next.Version++
	for _, fn := range adjust {
		fn(next)
	}

	batch := &store.Batch{}
	batch.Delete(store.RecordKey(cur.Layer, cur.ID))
	if cur.DueAt != nil {
		batch.Delete(store.DueKey(cur.Layer, *cur.DueAt, cur.ID))
	}
	if err := putRecord(batch, next); err != nil {
		return nil, err
	}
	if err := s.kv.Apply(ctx, batch); err != nil {
		return nil, mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "moving record %s", cur.ID)
	}

	// The vector sits in both indexes across the switch; searches resolve
	// it through the maps to whichever layer holds it.
	if err := s.indexes[dest].Insert(next.ID, next.Embedding); err != nil {
		slog.Error("indexing moved record", "id", next.ID, "layer", dest, "error", err)
	}

	s.mu.Lock()
	s.removeLocked(cur)
	s.insertLocked(next)
	s.mu.Unlock()

	s.indexes[cur.Layer].Remove(cur.ID)
	s.indexDerived(ctx, next)

	slog.Info("record promoted", "id", next.ID, "from", cur.Layer, "to", dest, "score", next.PromotionScore)
	return next.Clone(), nil
}

// indexRecord adds a new record to its vector index and derived indexes.
func (s *Store) indexRecord(ctx context.Context, rec *store.Record) {
	if err := s.indexes[rec.Layer].Insert(rec.ID, rec.Embedding); err != nil {
		slog.Error("indexing record", "id", rec.ID, "layer", rec.Layer, "error", err)
	}
	s.indexDerived(ctx, rec)
}

// indexDerived updates the keyword index and vector mirror. Failures are
// logged and repaired on the next Open.
func (s *Store) indexDerived(ctx context.Context, rec *store.Record) {
	if s.keywords != nil {
		s.indexKeywords(ctx, rec)
	}
	if s.vectors != nil {
		if err := s.vectors.Store(ctx, rec.ID, mirrorVector(rec.Embedding), map[string]any{"layer": string(rec.Layer)}); err != nil {
			slog.Warn("mirroring record vector", "id", rec.ID, "error", err)
		}
	}
}

func (s *Store) indexKeywords(ctx context.Context, rec *store.Record) {
	doc := store.KeywordDoc{ID: rec.ID, Layer: rec.Layer, Text: rec.Content}
	if err := s.keywords.Index(ctx, doc); err != nil {
		slog.Warn("indexing record keywords", "id", rec.ID, "error", err)
	}
}

// mirrorVector returns a unit-length copy so mirror distances convert to
// cosine similarity.
func mirrorVector(v []float32) []float32 {
	out := slices.Clone(v)
	index.Normalize(out)
	return out
}

func putRecord(batch *store.Batch, rec *store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return mferr.Wrapf(err, mferr.CodeStoreKVWriteFailure, "encoding record %s", rec.ID)
	}
	batch.Put(store.RecordKey(rec.Layer, rec.ID), data)
	if rec.DueAt != nil {
		batch.Put(store.DueKey(rec.Layer, *rec.DueAt, rec.ID), nil)
	}
	return nil
}

func checkVersion(rec *store.Record, expected uint64) error {
	if expected == 0 || expected == rec.Version {
		return nil
	}
	return mferr.New(mferr.CodeStoreRecordUpdateConflict, "record was modified concurrently",
		mferr.FieldRecordID(rec.ID),
		mferr.Field("expected_version", expected),
		mferr.Field("actual_version", rec.Version),
	)
}

func notFound(id string) error {
	return mferr.New(mferr.CodeStoreRecordGetNotFound, "record not found", mferr.FieldRecordID(id))
}
