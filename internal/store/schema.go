// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"embed"
	"io/fs"
	"strings"
	"time"
)

const currentSchemaVersion = 1

//go:embed sql/schema/*.sql
var embedded embed.FS

// runScripts applies every embedded schema script, in lexical order,
// inside one transaction. Scripts are idempotent (CREATE ... IF NOT
// EXISTS) so re-running this on an already-migrated database is safe.
func (s *DB) runScripts() error {
	scripts, err := fs.Glob(embedded, "sql/schema/*.sql")
	if err != nil {
		return wrap(err)
	}

	tx, err := s.sql.Begin()
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, scr := range scripts {
		bs, err := fs.ReadFile(embedded, scr)
		if err != nil {
			return wrap(err, scr)
		}
		// SQLite requires one statement per Exec call, so scripts are
		// split on lines containing only a semicolon.
		for _, stmt := range strings.Split(string(bs), "\n;") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := tx.Exec(stmt); err != nil {
				return wrap(err, stmt)
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO schema_migrations (schema_version, applied_at) VALUES (?, ?)`,
		currentSchemaVersion, time.Now().UnixNano(),
	); err != nil {
		return wrap(err)
	}

	return wrap(tx.Commit())
}
