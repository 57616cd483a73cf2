// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFindArchiveByTupleDedup(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	require.NoError(t, err)

	blobID, err := tx.InsertBlob([]byte("hello"))
	require.NoError(t, err)

	id1, err := tx.InsertArchive(0, 0, 222, 0, 1, blobID)
	require.NoError(t, err)

	// Re-inserting the same 5-tuple must be detected by the lookup
	// before any caller would insert again (spec.md §3 invariant 1).
	found, ok, err := tx.FindArchiveByTuple(0, 0, 222, 0, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id1, found)

	require.NoError(t, tx.Commit())
}

func TestSnapshotAtomicityOnRollback(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.CreateSnapshot(1, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx2, err := db.Begin()
	require.NoError(t, err)
	_, ok, err := tx2.FindMostRecentSnapshot()
	require.NoError(t, err)
	assert.False(t, ok, "a rolled-back run must leave no visible snapshot")
	require.NoError(t, tx2.Rollback())
}

func TestRehydrationRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	require.NoError(t, err)

	snap, err := tx.CreateSnapshot(3, time.Now())
	require.NoError(t, err)

	masterBlob, err := tx.InsertBlob([]byte("index-0-master"))
	require.NoError(t, err)
	masterID, err := tx.InsertArchive(255, 0, 111, 0, 1, masterBlob)
	require.NoError(t, err)
	require.NoError(t, tx.LinkArchive(snap.ID, masterID))

	leafBlob, err := tx.InsertBlob([]byte("archive-0-0"))
	require.NoError(t, err)
	leafID, err := tx.InsertArchive(0, 0, 222, 0, 1, leafBlob)
	require.NoError(t, err)
	require.NoError(t, tx.LinkArchive(snap.ID, leafID))

	require.NoError(t, tx.Commit())

	// Loading S and saving into S' without any downloads must produce
	// the same archive set (spec.md §8 property 3).
	tx2, err := db.Begin()
	require.NoError(t, err)
	loaded, ok, err := tx2.FindMostRecentSnapshot()
	require.NoError(t, err)
	require.True(t, ok)

	snap2, err := tx2.CreateSnapshot(loaded.Revision, time.Now())
	require.NoError(t, err)

	original, err := tx2.ArchivesForSnapshot(loaded)
	require.NoError(t, err)
	for _, ad := range original {
		require.NoError(t, tx2.LinkArchive(snap2.ID, ad.ID))
	}
	require.NoError(t, tx2.Commit())

	tx3, err := db.Begin()
	require.NoError(t, err)
	final, err := tx3.ArchivesForSnapshot(snap2)
	require.NoError(t, err)
	require.NoError(t, tx3.Rollback())

	assert.ElementsMatch(t, idsOf(original), idsOf(final))
}

func idsOf(ads []ArchiveDescriptor) []int64 {
	ids := make([]int64, len(ads))
	for i, a := range ads {
		ids[i] = a.ID
	}
	return ids
}
