// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

// InsertBlob inserts an immutable byte string, returning its surrogate
// id. Blobs are never updated or deleted within this core (spec.md §3
// invariant 3).
func (t *Tx) InsertBlob(data []byte) (int64, error) {
	stmt, err := t.stmt(`INSERT INTO data (data) VALUES (?)`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(data)
	if err != nil {
		return 0, wrap(err)
	}
	return res.LastInsertId()
}

// ReadBlob returns the bytes stored under id.
func (t *Tx) ReadBlob(id int64) ([]byte, error) {
	stmt, err := t.stmt(`SELECT data FROM data WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := stmt.Get(&data, id); err != nil {
		return nil, wrap(err)
	}
	return data, nil
}
