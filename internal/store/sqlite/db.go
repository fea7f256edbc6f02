// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// openDB opens a WAL-mode sqlite database and applies the schema.
func openDB(dbPath string, migrate func(*sql.DB) error) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "migrating %s: %w", dbPath, err)
	}

	return db, nil
}
