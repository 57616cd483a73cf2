// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachesync/updater/internal/cachemodel"
	"github.com/cachesync/updater/internal/container"
	"github.com/cachesync/updater/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	require.NoError(t, err)
	snap, err := tx.CreateSnapshot(7, time.Now())
	require.NoError(t, err)

	a := New(tx, container.Default)
	a.SetSnapshot(snap)

	st := cachemodel.NewStore()
	idx := cachemodel.NewIndex(0)
	idx.Protocol = 6
	idx.Revision = 1
	idx.Compression = container.Gzip
	idx.Archives[0] = &cachemodel.Archive{ID: 0, CRC: 222, Revision: 1}
	st.Indexes[0] = idx

	require.NoError(t, a.Stage(0, 0, []byte("archive bytes")))
	require.NoError(t, a.Save(st))
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin()
	require.NoError(t, err)
	snap2, ok, err := tx2.FindMostRecentSnapshot()
	require.NoError(t, err)
	require.True(t, ok)

	a2 := New(tx2, container.Default)
	a2.SetSnapshot(snap2)
	st2 := cachemodel.NewStore()
	require.NoError(t, a2.Load(st2))
	require.NoError(t, tx2.Rollback())

	require.Contains(t, st2.Indexes, uint8(0))
	assert.Equal(t, idx.Protocol, st2.Indexes[0].Protocol)
	assert.Equal(t, idx.Revision, st2.Indexes[0].Revision)
	assert.Len(t, st2.Indexes[0].Archives, 1)
	assert.Equal(t, uint32(222), st2.Indexes[0].Archives[0].CRC)
}

func TestSaveMissingStagedDataErrors(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	require.NoError(t, err)
	snap, err := tx.CreateSnapshot(1, time.Now())
	require.NoError(t, err)

	a := New(tx, container.Default)
	a.SetSnapshot(snap)

	st := cachemodel.NewStore()
	idx := cachemodel.NewIndex(0)
	idx.Archives[0] = &cachemodel.Archive{ID: 0, CRC: 222, Revision: 1}
	st.Indexes[0] = idx

	err = a.Save(st)
	assert.ErrorIs(t, err, ErrMissingStagedData)
	require.NoError(t, tx.Rollback())
}

func TestLoadArchiveUnsupported(t *testing.T) {
	db := openTestDB(t)
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	a := New(tx, container.Default)
	_, err = a.LoadArchive(0, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}
