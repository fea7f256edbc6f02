// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// Compile-time interface check.
var _ store.KeywordIndex = (*KeywordIndex)(nil)

// maxQueryTerms caps the OR-expansion of a free-text query.
const maxQueryTerms = 32

// KeywordIndex implements store.KeywordIndex backed by SQLite FTS5 with
// bm25 ranking.
type KeywordIndex struct {
	db *sql.DB
}

// NewKeywordIndex opens (or creates) a SQLite database at dbPath and
// initialises the keyword_docs table with FTS5 full-text search.
func NewKeywordIndex(dbPath string) (*KeywordIndex, error) {
	db, err := openDB(dbPath, migrateKeywords)
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{db: db}, nil
}

func migrateKeywords(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS keyword_docs (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	id    TEXT UNIQUE NOT NULL,
	layer TEXT NOT NULL,
	text  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_keyword_docs_layer ON keyword_docs(layer);

CREATE VIRTUAL TABLE IF NOT EXISTS keyword_docs_fts USING fts5(
	text,
	content='keyword_docs',
	content_rowid='rowid'
);

-- Triggers to keep FTS index in sync with the main table.
CREATE TRIGGER IF NOT EXISTS keyword_docs_ai AFTER INSERT ON keyword_docs BEGIN
	INSERT INTO keyword_docs_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS keyword_docs_ad AFTER DELETE ON keyword_docs BEGIN
	INSERT INTO keyword_docs_fts(keyword_docs_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;

CREATE TRIGGER IF NOT EXISTS keyword_docs_au AFTER UPDATE ON keyword_docs BEGIN
	INSERT INTO keyword_docs_fts(keyword_docs_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	INSERT INTO keyword_docs_fts(rowid, text) VALUES (new.rowid, new.text);
END;`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating keyword tables: %w", err)
	}
	return nil
}

// Index inserts or replaces the document for doc.ID.
func (k *KeywordIndex) Index(ctx context.Context, doc store.KeywordDoc) error {
	if doc.ID == "" {
		return mferr.New(mferr.CodeStoreInvalidInput, "keyword doc id must not be empty")
	}

	const q = `INSERT INTO keyword_docs(id, layer, text) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET layer = excluded.layer, text = excluded.text`
	if _, err := k.db.ExecContext(ctx, q, doc.ID, string(doc.Layer), doc.Text); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "indexing keyword doc %s: %w", doc.ID, err)
	}
	return nil
}

// Remove deletes the document for id. Missing ids are ignored.
func (k *KeywordIndex) Remove(ctx context.Context, id string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM keyword_docs WHERE id = ?`, id); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "removing keyword doc %s: %w", id, err)
	}
	return nil
}

// Search matches any term of query and ranks by bm25. Scores are negated
// bm25 values, so higher is better. An empty layers slice searches all.
func (k *KeywordIndex) Search(ctx context.Context, query string, layers []types.Layer, limit int) ([]store.KeywordHit, error) {
	match := MatchExpression(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	q := `SELECT d.id, d.layer, bm25(keyword_docs_fts) AS rank
FROM keyword_docs_fts
JOIN keyword_docs d ON d.rowid = keyword_docs_fts.rowid
WHERE keyword_docs_fts MATCH ?`
	args := []any{match}
	if len(layers) > 0 {
		q += ` AND d.layer IN (` + strings.TrimSuffix(strings.Repeat("?,", len(layers)), ",") + `)`
		for _, l := range layers {
			args = append(args, string(l))
		}
	}
	q += ` ORDER BY rank, d.id LIMIT ?`
	args = append(args, limit)

	rows, err := k.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreKeywordQueryFailure, "searching keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []store.KeywordHit
	for rows.Next() {
		var (
			h     store.KeywordHit
			layer string
			rank  float64
		)
		if err := rows.Scan(&h.ID, &layer, &rank); err != nil {
			return nil, mferr.Errorf(mferr.CodeStoreKeywordQueryFailure, "scanning keyword hit: %w", err)
		}
		h.Layer = types.Layer(layer)
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreKeywordQueryFailure, "iterating keyword hits: %w", err)
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keyword_docs`).Scan(&n); err != nil {
		return 0, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "counting keyword docs: %w", err)
	}
	return n, nil
}

// Clear removes every document.
func (k *KeywordIndex) Clear(ctx context.Context) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM keyword_docs`); err != nil {
		return mferr.Errorf(mferr.CodeStoreDatabaseFailure, "clearing keyword docs: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (k *KeywordIndex) Close() error {
	return k.db.Close()
}

// MatchExpression converts free text into an FTS5 OR-query of quoted terms,
// so user punctuation never reaches the FTS5 query parser.
func MatchExpression(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
