// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sigil-dev/memfabric/internal/store"
)

// Compile-time interface check.
var _ store.KV = (*KV)(nil)

// scanPage bounds how many rows Scan reads per query so that no cursor is
// held open while the callback runs.
const scanPage = 256

// KV implements store.KV backed by a single WITHOUT ROWID table. Keys are
// BLOBs, so SQLite's memcmp ordering gives byte-ordered scans.
type KV struct {
	db *sql.DB
}

// NewKV opens (or creates) a SQLite database at dbPath and initialises the
// kv table.
func NewKV(dbPath string) (*KV, error) {
	db, err := openDB(dbPath, migrateKV)
	if err != nil {
		return nil, err
	}
	return &KV{db: db}, nil
}

func migrateKV(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating kv table: %w", err)
	}
	return nil
}

func (s *KV) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.KeyNotFound(key)
	}
	if err != nil {
		return nil, store.ReadFailure(err, "get")
	}
	return value, nil
}

func (s *KV) Put(ctx context.Context, key, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertKV, key, nonNil(value)); err != nil {
		return store.WriteFailure(err, "put")
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return store.WriteFailure(err, "delete")
	}
	return nil
}

// Scan pages through the prefix range in key order.
func (s *KV) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	end := store.PrefixEnd(prefix)
	cursor := append([]byte(nil), prefix...)
	inclusive := true

	for {
		page, err := s.scanPage(ctx, cursor, inclusive, end)
		if err != nil {
			return err
		}

		for _, kv := range page {
			if err := fn(kv[0], kv[1]); err != nil {
				return err
			}
		}

		if len(page) < scanPage {
			return nil
		}
		cursor = page[len(page)-1][0]
		inclusive = false
	}
}

func (s *KV) scanPage(ctx context.Context, from []byte, inclusive bool, end []byte) ([][2][]byte, error) {
	op := ">"
	if inclusive {
		op = ">="
	}

	q := `SELECT key, value FROM kv WHERE key ` + op + ` ?`
	args := []any{from}
	if end != nil {
		q += ` AND key < ?`
		args = append(args, end)
	}
	q += ` ORDER BY key LIMIT ?`
	args = append(args, scanPage)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.ReadFailure(err, "scan")
	}
	defer func() { _ = rows.Close() }()

	var page [][2][]byte
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, store.ReadFailure(err, "scan row")
		}
		page = append(page, [2][]byte{key, value})
	}
	if err := rows.Err(); err != nil {
		return nil, store.ReadFailure(err, "scan iterate")
	}
	return page, nil
}

// Apply commits the batch in one transaction.
func (s *KV) Apply(ctx context.Context, batch *store.Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.WriteFailure(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range batch.Ops() {
		switch op.Kind {
		case store.OpPut:
			_, err = tx.ExecContext(ctx, upsertKV, op.Key, nonNil(op.Value))
		case store.OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key)
		default:
			err = fmt.Errorf("unknown batch op %d", op.Kind)
		}
		if err != nil {
			return store.WriteFailure(err, "apply")
		}
	}

	if err := tx.Commit(); err != nil {
		return store.WriteFailure(err, "commit")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *KV) Close() error {
	return s.db.Close()
}

const upsertKV = `INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`

// nonNil maps a nil value to an empty blob; the driver binds nil as NULL.
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
