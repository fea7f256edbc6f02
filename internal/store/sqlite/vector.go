// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ store.VectorStore = (*VectorStore)(nil)

// VectorStore implements store.VectorStore backed by SQLite with sqlite-vec.
// Each layer has its own vec0 table so a layer-scoped search never scans
// vectors of other layers.
type VectorStore struct {
	db         *sql.DB
	dimensions int
}

// NewVectorStore opens (or creates) a SQLite database at dbPath and
// initialises one vec0 virtual table per layer plus a metadata table.
func NewVectorStore(dbPath string, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "vector dimensions must be positive, got %d", dimensions)
	}

	db, err := openDB(dbPath, func(db *sql.DB) error { return migrateVector(db, dimensions) })
	if err != nil {
		return nil, err
	}
	return &VectorStore{db: db, dimensions: dimensions}, nil
}

func vectorTable(layer types.Layer) string {
	return "vectors_" + string(layer)
}

func migrateVector(db *sql.DB, dimensions int) error {
	for _, layer := range types.Layers {
		vecDDL := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
			vectorTable(layer), dimensions,
		)
		if _, err := db.Exec(vecDDL); err != nil {
			return fmt.Errorf("creating %s virtual table: %w", vectorTable(layer), err)
		}
	}

	const metaDDL = `
CREATE TABLE IF NOT EXISTS vector_metadata (
	id       TEXT PRIMARY KEY,
	layer    TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
)`
	if _, err := db.Exec(metaDDL); err != nil {
		return fmt.Errorf("creating vector_metadata table: %w", err)
	}

	return nil
}

// Store inserts or replaces a vector. metadata["layer"] selects the layer
// table; storing an id under a new layer moves it.
func (v *VectorStore) Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error {
	layer, ok := layerOf(metadata["layer"])
	if !ok {
		return mferr.Errorf(mferr.CodeStoreInvalidInput, "vector %s: metadata must carry a valid layer", id)
	}
	if len(embedding) != v.dimensions {
		return mferr.Errorf(mferr.CodeStoreInvalidInput, "vector %s: expected %d dimensions, got %d", id, v.dimensions, len(embedding))
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "serializing embedding: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "marshalling metadata: %w", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete from every layer first.
	for _, l := range types.Layers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+vectorTable(l)+` WHERE id = ?`, id); err != nil {
			return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "deleting existing vector %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO `+vectorTable(layer)+`(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "inserting vector %s: %w", id, err)
	}

	const metaQ = `INSERT INTO vector_metadata(id, layer, metadata) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET layer = excluded.layer, metadata = excluded.metadata`
	if _, err := tx.ExecContext(ctx, metaQ, id, string(layer), string(metaJSON)); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "upserting vector metadata %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "committing vector store: %w", err)
	}
	return nil
}

// Search performs an exact k-nearest-neighbor search. Score is the L2
// distance (lower = more similar; 0.0 = exact match). The only supported
// filter is "layer"; without it every layer is searched and merged.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int, filters map[string]any) ([]store.VectorResult, error) {
	if k <= 0 {
		return nil, nil
	}

	layers := types.Layers
	for key, val := range filters {
		if key != "layer" {
			return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "unsupported vector filter %q", key)
		}
		layer, ok := layerOf(val)
		if !ok {
			return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "invalid layer filter %v", val)
		}
		layers = []types.Layer{layer}
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreVectorQueryFailure, "serializing query vector: %w", err)
	}

	var results []store.VectorResult
	for _, layer := range layers {
		found, err := v.searchLayer(ctx, layer, blob, k)
		if err != nil {
			return nil, err
		}
		results = append(results, found...)
	}

	slices.SortFunc(results, func(a, b store.VectorResult) int {
		if a.Score != b.Score {
			if a.Score < b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (v *VectorStore) searchLayer(ctx context.Context, layer types.Layer, blob []byte, k int) ([]store.VectorResult, error) {
	q := `SELECT v.id, v.distance, COALESCE(m.metadata, '{}')
FROM ` + vectorTable(layer) + ` v
LEFT JOIN vector_metadata m ON m.id = v.id
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance`

	rows, err := v.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreVectorQueryFailure, "searching %s vectors: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.VectorResult
	for rows.Next() {
		var r store.VectorResult
		var metaStr string

		if err := rows.Scan(&r.ID, &r.Score, &metaStr); err != nil {
			return nil, mferr.Errorf(mferr.CodeStoreVectorQueryFailure, "scanning vector result: %w", err)
		}

		if metaStr != "" && metaStr != "{}" {
			if err := json.Unmarshal([]byte(metaStr), &r.Metadata); err != nil {
				return nil, mferr.Errorf(mferr.CodeStoreVectorQueryFailure, "unmarshalling vector metadata: %w", err)
			}
		}

		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreVectorQueryFailure, "iterating vector results: %w", err)
	}

	return results, nil
}

// Delete removes vectors and their metadata by ID from every layer.
func (v *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	for _, layer := range types.Layers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+vectorTable(layer)+` WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "deleting %s vectors: %w", layer, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_metadata WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "deleting vector metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "committing vector delete: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors across all layers.
func (v *VectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_metadata`).Scan(&n); err != nil {
		return 0, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "counting vectors: %w", err)
	}
	return n, nil
}

// Clear removes every vector from every layer.
func (v *VectorStore) Clear(ctx context.Context) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, layer := range types.Layers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+vectorTable(layer)); err != nil {
			return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "clearing %s vectors: %w", layer, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_metadata`); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "clearing vector metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "committing vector clear: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (v *VectorStore) Close() error {
	return v.db.Close()
}

// CosineFromL2 converts the L2 distance between two unit vectors into
// their cosine similarity.
func CosineFromL2(distance float64) float64 {
	return 1 - distance*distance/2
}

func layerOf(v any) (types.Layer, bool) {
	switch l := v.(type) {
	case types.Layer:
		return l, l.Valid()
	case string:
		return types.ParseLayer(l)
	default:
		return "", false
	}
}
