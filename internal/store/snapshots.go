// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"database/sql"
	"time"
)

// Snapshot is one point-in-time mirror (spec.md §3): a cache row plus
// its cache_archive membership edges.
type Snapshot struct {
	ID       int64
	Revision int32
	Date     time.Time
}

// CreateSnapshot inserts a new snapshot row.
func (t *Tx) CreateSnapshot(revision int32, date time.Time) (Snapshot, error) {
	stmt, err := t.stmt(`INSERT INTO cache (revision, date) VALUES (?, ?)`)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := stmt.Exec(revision, date.UnixNano())
	if err != nil {
		return Snapshot{}, wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Snapshot{}, wrap(err)
	}
	return Snapshot{ID: id, Revision: revision, Date: date}, nil
}

type snapshotRow struct {
	ID       int64 `db:"id"`
	Revision int32 `db:"revision"`
	Date     int64 `db:"date"`
}

func (r snapshotRow) toSnapshot() Snapshot {
	return Snapshot{ID: r.ID, Revision: r.Revision, Date: time.Unix(0, r.Date)}
}

// FindMostRecentSnapshot returns the snapshot ordered by
// (revision DESC, date DESC), or ok=false if the cache is empty
// (spec.md §4.3).
func (t *Tx) FindMostRecentSnapshot() (snap Snapshot, ok bool, err error) {
	stmt, err := t.stmt(`
		SELECT id, revision, date FROM cache
		ORDER BY revision DESC, date DESC
		LIMIT 1
	`)
	if err != nil {
		return Snapshot{}, false, err
	}
	var row snapshotRow
	if err := stmt.Get(&row); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, wrap(err)
	}
	return row.toSnapshot(), true, nil
}

// FindMasterEntriesFor returns the snapshot's index-header descriptors
// (index = rsproto.MasterIndex), used to rehydrate the in-memory
// cache tree (spec.md §4.2 step 2).
func (t *Tx) FindMasterEntriesFor(snap Snapshot) ([]ArchiveDescriptor, error) {
	return t.findArchivesForSnapshot(snap, true)
}

// LinkArchive links an archive descriptor into a snapshot's membership
// set. Idempotent per (snapshot, archive) pair via the composite
// primary key, as spec.md §4.3 requires.
func (t *Tx) LinkArchive(snapshotID, archiveID int64) error {
	stmt, err := t.stmt(`
		INSERT OR IGNORE INTO cache_archive (cache_id, archive_id) VALUES (?, ?)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(snapshotID, archiveID)
	return wrap(err)
}
