// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachesync/updater/internal/container"
	"github.com/cachesync/updater/internal/indexdata"
	"github.com/cachesync/updater/internal/rsproto"
	"github.com/cachesync/updater/internal/store"
)

// response is one canned (index, archive) -> wrapped-container-bytes
// reply a fakeServer hands back for a matching archive request.
type response struct {
	index, archive uint16
	wrapped        []byte
}

// fakeServer accepts exactly one connection, performs the handshake,
// then answers archive requests from a fixed response table until the
// client disconnects.
func fakeServer(t *testing.T, handshakeOK bool, responses []response) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	byKey := make(map[uint32][]byte, len(responses))
	for _, r := range responses {
		byKey[uint32(r.index)<<16|uint32(r.archive)] = r.wrapped
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req := make([]byte, 21)
		if _, err := readFull(conn, req); err != nil {
			return
		}
		if !handshakeOK {
			conn.Write([]byte{6})
			return
		}
		conn.Write([]byte{rsproto.HandshakeOK})

		for {
			archReq := make([]byte, 4)
			if _, err := readFull(conn, archReq); err != nil {
				return
			}
			index := uint16(archReq[1])
			archive := binary.BigEndian.Uint16(archReq[2:4])
			wrapped, ok := byKey[uint32(index)<<16|uint32(archive)]
			if !ok {
				return
			}
			if err := writeFramedResponse(conn, uint8(index), archive, wrapped); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func writeFramedResponse(conn net.Conn, index uint8, archive uint16, wrapped []byte) error {
	compressedSize := binary.BigEndian.Uint32(wrapped[1:5])
	header := make([]byte, 8)
	header[0] = index
	binary.BigEndian.PutUint16(header[1:3], archive)
	header[3] = wrapped[0]
	binary.BigEndian.PutUint32(header[4:8], compressedSize)
	if _, err := conn.Write(header); err != nil {
		return err
	}

	const frameSize = 512
	pos := 0
	first := true
	for pos < len(wrapped) {
		frame := make([]byte, frameSize)
		var n int
		if first {
			n = copy(frame, wrapped[pos:])
			first = false
		} else {
			frame[0] = 0xFF
			n = copy(frame[1:], wrapped[pos:])
		}
		pos += n
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func masterListBytes(t *testing.T, records ...[2]uint32) []byte {
	t.Helper()
	out := make([]byte, 0, len(records)*8)
	for _, r := range records {
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], r[0])
		binary.BigEndian.PutUint32(b[4:8], r[1])
		out = append(out, b[:]...)
	}
	return out
}

func wrap(t *testing.T, data []byte) []byte {
	t.Helper()
	blob, err := container.Wrap(container.Default, data, container.None)
	require.NoError(t, err)
	return blob
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFreshStart(t *testing.T) {
	archiveData := []byte("archive zero bytes")
	archiveWrapped := wrap(t, archiveData)
	archiveCRC := container.CRC32(archiveWrapped)

	indexData := indexdata.IndexData{
		Protocol: 1,
		Revision: 1,
		Archives: []indexdata.Archive{{ID: 0, CRC: archiveCRC, Revision: 1}},
	}
	indexWrapped := wrap(t, indexData.Encode())
	indexCRC := container.CRC32(indexWrapped)

	masterList := wrap(t, masterListBytes(t, [2]uint32{indexCRC, 1}))

	addr := fakeServer(t, true, []response{
		{255, 255, masterList},
		{255, 0, indexWrapped},
		{0, 0, archiveWrapped},
	})

	db := openTestDB(t)
	d := New(db, Config{Addr: addr, Revision: 1, Key: [4]int32{1, 2, 3, 4}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	descs, err := tx.ArchivesForSnapshot(res.Snapshot)
	require.NoError(t, err)
	assert.Len(t, descs, 2)

	var haveMaster, haveArchive bool
	for _, desc := range descs {
		if desc.Index == rsproto.MasterIndex && desc.Archive == 0 {
			haveMaster = true
			assert.Equal(t, indexCRC, desc.CRC)
		}
		if desc.Index == 0 && desc.Archive == 0 {
			haveArchive = true
			assert.Equal(t, archiveCRC, desc.CRC)
		}
	}
	assert.True(t, haveMaster)
	assert.True(t, haveArchive)
}

func TestHandshakeRejectedOutcome(t *testing.T) {
	addr := fakeServer(t, false, nil)
	db := openTestDB(t)
	d := New(db, Config{Addr: addr, Revision: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, HandshakeRejected, res.Outcome)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, ok, err := tx.FindMostRecentSnapshot()
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot should exist after a rejected handshake")
}

func TestArchiveCRCMismatchAbortsRun(t *testing.T) {
	archiveWrapped := wrap(t, []byte("correct bytes"))
	declaredCRC := container.CRC32(archiveWrapped) + 1 // deliberately wrong

	indexData := indexdata.IndexData{
		Protocol: 1,
		Revision: 1,
		Archives: []indexdata.Archive{{ID: 0, CRC: declaredCRC, Revision: 1}},
	}
	indexWrapped := wrap(t, indexData.Encode())
	indexCRC := container.CRC32(indexWrapped)
	masterList := wrap(t, masterListBytes(t, [2]uint32{indexCRC, 1}))

	addr := fakeServer(t, true, []response{
		{255, 255, masterList},
		{255, 0, indexWrapped},
		{0, 0, archiveWrapped},
	})

	db := openTestDB(t)
	d := New(db, Config{Addr: addr, Revision: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Run(ctx)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, Integrity, kind)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, ok, err = tx.FindMostRecentSnapshot()
	require.NoError(t, err)
	assert.False(t, ok, "a failed run must not leave a snapshot behind")
}

func TestUnusedIndexRemoved(t *testing.T) {
	// The master list is positional: to have index id 16 present, the
	// list must carry 17 records. Indices 0..15 get a trivial, empty
	// placeholder index so the driver's master-entry fetch for each has
	// something to receive; index 16 is never fetched at all, since
	// unusedIndexes short-circuits before any request for it is sent.
	placeholder := indexdata.IndexData{Protocol: 1, Revision: 0}
	placeholderWrapped := wrap(t, placeholder.Encode())
	placeholderCRC := container.CRC32(placeholderWrapped)

	records := make([][2]uint32, 17)
	responses := []response{}
	for i := 0; i < 16; i++ {
		records[i] = [2]uint32{placeholderCRC, 0}
		responses = append(responses, response{255, uint16(i), placeholderWrapped})
	}
	records[16] = [2]uint32{0xdeadbeef, 1}
	masterList := wrap(t, masterListBytes(t, records...))
	responses = append(responses, response{255, 255, masterList})

	addr := fakeServer(t, true, responses)

	db := openTestDB(t)
	d := New(db, Config{Addr: addr, Revision: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	descs, err := tx.ArchivesForSnapshot(res.Snapshot)
	require.NoError(t, err)
	for _, desc := range descs {
		assert.NotEqual(t, uint16(16), desc.Archive, "index 16 is unused and must never be persisted")
	}
}
