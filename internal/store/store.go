// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store is the content-addressed persistence layer: blobs,
// archive descriptors, and snapshots, over a single SQLite database.
// It exposes exactly the operations spec.md §4.3 names, all of them
// driven through one *Tx per update run (spec.md §5: "one connection
// per run").
package store

import (
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the cgo-free sqlite driver
)

const (
	dbDriver      = "sqlite"
	commonOptions = "_pragma=foreign_keys(1)&_pragma=synchronous(1)&_txlock=immediate"
)

// DB is a connection to the persistence layer's SQLite database.
type DB struct {
	sql *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any outstanding schema scripts.
func Open(path string) (*DB, error) {
	sqlDB, err := sqlx.Open(dbDriver, "file:"+path+"?"+commonOptions)
	if err != nil {
		return nil, wrap(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return nil, wrap(err, "PRAGMA journal_mode")
	}

	db := &DB{sql: sqlDB}
	if err := db.runScripts(); err != nil {
		return nil, wrap(err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database — used by tests and by
// one-shot dry runs. It uses SQLite's shared cache, so every database
// opened by OpenMemory in the same process is the same one until all
// of them are closed.
func OpenMemory() (*DB, error) {
	sqlDB, err := sqlx.Open(dbDriver, "file::memory:?cache=shared&"+commonOptions)
	if err != nil {
		return nil, wrap(err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := &DB{sql: sqlDB}
	if err := db.runScripts(); err != nil {
		return nil, wrap(err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return wrap(s.sql.Close())
}

// Begin starts the single transaction that a whole update run is
// performed within (spec.md §3 invariant 4: atomic commit or nothing).
func (s *DB) Begin() (*Tx, error) {
	tx, err := s.sql.Beginx()
	if err != nil {
		return nil, wrap(err)
	}
	return &Tx{tx: tx, statements: make(map[string]*sqlx.Stmt)}, nil
}

// Tx is one update run's persistence context: a SQL transaction plus
// its cache of prepared statements, reused across the run's many
// findArchiveByTuple/insertBlob/insertArchive/linkArchive calls
// (spec.md §4.3: "the only high-volume calls ... are prepared once and
// reused").
type Tx struct {
	tx         *sqlx.Tx
	statements map[string]*sqlx.Stmt
}

// Commit commits the transaction, closing any prepared statements
// first.
func (t *Tx) Commit() error {
	t.closeStatements()
	return wrap(t.tx.Commit())
}

// Rollback rolls the transaction back, discarding everything written
// during the run (spec.md §3 invariant 4, §7 DB_CONFLICT/abort
// handling). Safe to call after Commit (no-op).
func (t *Tx) Rollback() error {
	t.closeStatements()
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return wrap(err)
}

func (t *Tx) closeStatements() {
	for _, stmt := range t.statements {
		stmt.Close()
	}
}

// stmt returns a cached prepared statement for query, preparing it on
// first use.
func (t *Tx) stmt(query string) (*sqlx.Stmt, error) {
	query = strings.TrimSpace(query)
	if stmt, ok := t.statements[query]; ok {
		return stmt, nil
	}
	stmt, err := t.tx.Preparex(query)
	if err != nil {
		return nil, wrap(err)
	}
	t.statements[query] = stmt
	return stmt, nil
}

// wrap returns err wrapped with the calling function's name and any
// extra context, or nil if err is nil.
func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}

	prefix := "error"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if details := runtime.FuncForPC(pc); details != nil {
			prefix = details.Name()
			if i := strings.LastIndex(prefix, "."); i >= 0 {
				prefix = prefix[i+1:]
			}
		}
	}
	if len(context) > 0 {
		return fmt.Errorf("%s (%s): %w", prefix, strings.Join(context, ", "), err)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}
