// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"database/sql"

	"github.com/cachesync/updater/internal/rsproto"
)

// ArchiveDescriptor is the unique-by-5-tuple record mapping
// (index, archive, crc, revision, name-hash) to an opaque blob id
// (spec.md §3).
type ArchiveDescriptor struct {
	ID       int64
	Index    uint8
	Archive  uint16
	CRC      uint32
	Revision uint32
	NameHash int32
	BlobID   int64
}

type archiveRow struct {
	ID       int64 `db:"id"`
	Idx      int64 `db:"idx"`
	Archive  int64 `db:"archive"`
	CRC      int64 `db:"crc"`
	Revision int64 `db:"revision"`
	Name     int64 `db:"name"`
	DataID   int64 `db:"data_id"`
}

func (r archiveRow) toDescriptor() ArchiveDescriptor {
	return ArchiveDescriptor{
		ID:       r.ID,
		Index:    uint8(r.Idx),
		Archive:  uint16(r.Archive),
		CRC:      uint32(r.CRC),
		Revision: uint32(r.Revision),
		NameHash: int32(r.Name),
		BlobID:   r.DataID,
	}
}

// FindArchiveByTuple performs the exact 5-tuple lookup that makes
// deduplication across snapshots possible (spec.md §3 invariant 1,
// §4.3). Returns ok=false if no such descriptor exists yet.
func (t *Tx) FindArchiveByTuple(index uint8, archive uint16, crc uint32, nameHash int32, revision uint32) (id int64, ok bool, err error) {
	stmt, err := t.stmt(`
		SELECT id FROM archive
		WHERE idx = ? AND archive = ? AND crc = ? AND revision = ? AND name = ?
	`)
	if err != nil {
		return 0, false, err
	}
	if err := stmt.Get(&id, index, archive, crc, revision, nameHash); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, wrap(err)
	}
	return id, true, nil
}

// InsertArchive inserts a new ArchiveDescriptor pointing at blobID.
// Callers must have already confirmed via FindArchiveByTuple that the
// 5-tuple does not already exist (spec.md §3 invariant 1).
func (t *Tx) InsertArchive(index uint8, archive uint16, crc uint32, nameHash int32, revision uint32, blobID int64) (int64, error) {
	stmt, err := t.stmt(`
		INSERT INTO archive (idx, archive, crc, revision, name, data_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(index, archive, crc, revision, nameHash, blobID)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

// findArchivesForSnapshot returns the snapshot's archive descriptors,
// optionally restricted to index-header entries (index = 255).
func (t *Tx) findArchivesForSnapshot(snap Snapshot, mastersOnly bool) ([]ArchiveDescriptor, error) {
	query := `
		SELECT a.id, a.idx, a.archive, a.crc, a.revision, a.name, a.data_id
		FROM archive a
		INNER JOIN cache_archive ca ON ca.archive_id = a.id
		WHERE ca.cache_id = ?
	`
	args := []any{snap.ID}
	if mastersOnly {
		query += ` AND a.idx = ?`
		args = append(args, rsproto.MasterIndex)
	}
	stmt, err := t.stmt(query)
	if err != nil {
		return nil, err
	}
	var rows []archiveRow
	if err := stmt.Select(&rows, args...); err != nil {
		return nil, wrap(err)
	}
	out := make([]ArchiveDescriptor, len(rows))
	for i, r := range rows {
		out[i] = r.toDescriptor()
	}
	return out, nil
}

// ArchivesForSnapshot returns every archive descriptor belonging to
// snap — the full membership set (spec.md §3 invariant 2), used by
// tests to assert rehydration round-trips (spec.md §8 property 3).
func (t *Tx) ArchivesForSnapshot(snap Snapshot) ([]ArchiveDescriptor, error) {
	return t.findArchivesForSnapshot(snap, false)
}
