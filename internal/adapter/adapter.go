// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adapter bridges the in-memory cache tree (cachemodel.Store)
// to the persistence layer (store.Tx): spec.md §4.4.
package adapter

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/cachesync/updater/internal/cachemodel"
	"github.com/cachesync/updater/internal/container"
	"github.com/cachesync/updater/internal/indexdata"
	"github.com/cachesync/updater/internal/rsproto"
	"github.com/cachesync/updater/internal/store"
)

// ErrUnsupported is raised by LoadArchive(index, archive); the adapter only
// supports bulk load/save of a whole Store (spec.md §4.4, §9 open
// question: callers must not rely on read-after-stage).
var ErrUnsupported = errors.New("adapter: direct archive load is not supported")

// ErrMissingStagedData is raised by Save when an Archive was changed
// during reconciliation but its bytes were never staged — a
// programming error in the driver (spec.md §7 MISSING_STAGED_DATA).
var ErrMissingStagedData = errors.New("adapter: archive changed but its bytes were never staged")

// Adapter mediates between one run's in-memory Store and the
// persistence layer's single transaction.
type Adapter struct {
	tx       *store.Tx
	codec    container.Codec
	snapshot store.Snapshot

	// staging maps a packed (index, archive) key to the blob id of
	// bytes freshly inserted by Stage, consumed by the next Save.
	staging map[uint64]int64
}

// New returns an Adapter bound to tx, using codec to (de)compress
// container blobs.
func New(tx *store.Tx, codec container.Codec) *Adapter {
	return &Adapter{tx: tx, codec: codec, staging: make(map[uint64]int64)}
}

// SetSnapshot rebinds the adapter to a (possibly new) current
// snapshot — the driver swaps this between "load from C" and "save
// into C'" (spec.md §4.4).
func (a *Adapter) SetSnapshot(snap store.Snapshot) {
	a.snapshot = snap
}

// Load rehydrates store from the adapter's current snapshot: for each
// index-header descriptor, read its blob, decompress, parse as
// index-data, and populate the Index (without fetching leaf archive
// blobs) — spec.md §4.2 step 2.
func (a *Adapter) Load(st *cachemodel.Store) error {
	masters, err := a.tx.FindMasterEntriesFor(a.snapshot)
	if err != nil {
		return fmt.Errorf("load master entries: %w", err)
	}

	for _, m := range masters {
		blob, err := a.tx.ReadBlob(m.BlobID)
		if err != nil {
			return fmt.Errorf("read blob for index %d: %w", m.Archive, err)
		}
		decoded, err := container.Unwrap(a.codec, blob)
		if err != nil {
			return fmt.Errorf("unwrap container for index %d: %w", m.Archive, err)
		}
		parsed, err := indexdata.Parse(decoded.Data)
		if err != nil {
			return fmt.Errorf("parse index data for index %d: %w", m.Archive, err)
		}

		idx := cachemodel.NewIndex(uint8(m.Archive))
		idx.Protocol = parsed.Protocol
		idx.Revision = parsed.Revision
		idx.Named = parsed.Named
		idx.Sized = parsed.Sized
		idx.Compression = decoded.Type
		for _, ar := range parsed.Archives {
			idx.Archives[ar.ID] = &cachemodel.Archive{
				ID:               ar.ID,
				CRC:              ar.CRC,
				Revision:         ar.Revision,
				NameHash:         ar.NameHash,
				CompressedSize:   ar.CompressedSize,
				DecompressedSize: ar.DecompressedSize,
			}
		}
		st.Indexes[idx.ID] = idx
	}
	return nil
}

// LoadArchive is deliberately not supported for a single (index, archive):
// the protocol client cannot re-read archives it just downloaded
// during the same run (spec.md §9 open question).
func (a *Adapter) LoadArchive(uint8, uint16) ([]byte, error) {
	return nil, ErrUnsupported
}

// Stage records bytes as a newly inserted blob, keyed by
// (index, archive), for Save to resolve later. Called by the protocol
// client's completion handler on every successful, CRC-verified
// archive download (spec.md §4.1, §4.4).
func (a *Adapter) Stage(index uint8, archive uint16, bytes []byte) error {
	blobID, err := a.tx.InsertBlob(bytes)
	if err != nil {
		return fmt.Errorf("stage (%d,%d): %w", index, archive, err)
	}
	a.staging[rsproto.PackKey(index, archive)] = blobID
	return nil
}

// Save persists store into the adapter's current snapshot: for every
// Index, reuse-or-insert its master-entry descriptor, then
// reuse-or-insert every Archive's descriptor, linking each to the
// snapshot (spec.md §4.4 step "save").
func (a *Adapter) Save(st *cachemodel.Store) error {
	for _, idx := range st.Indexes {
		if err := a.saveIndex(idx); err != nil {
			return fmt.Errorf("save index %d: %w", idx.ID, err)
		}
	}
	return nil
}

func (a *Adapter) saveIndex(idx *cachemodel.Index) error {
	data := indexdata.IndexData{
		Protocol: idx.Protocol,
		Revision: idx.Revision,
		Named:    idx.Named,
		Sized:    idx.Sized,
	}
	for _, ar := range idx.Archives {
		data.Archives = append(data.Archives, indexdata.Archive{
			ID:               ar.ID,
			NameHash:         ar.NameHash,
			CRC:              ar.CRC,
			Revision:         ar.Revision,
			CompressedSize:   ar.CompressedSize,
			DecompressedSize: ar.DecompressedSize,
		})
	}
	// Map iteration order varies; sort so re-encoding is byte-stable.
	slices.SortFunc(data.Archives, func(x, y indexdata.Archive) int { return cmp.Compare(x.ID, y.ID) })

	blob, err := container.Wrap(a.codec, data.Encode(), idx.Compression)
	if err != nil {
		return fmt.Errorf("compress index data: %w", err)
	}
	crc := container.CRC32(blob)

	masterID, ok, err := a.tx.FindArchiveByTuple(rsproto.MasterIndex, uint16(idx.ID), crc, 0, idx.Revision)
	if err != nil {
		return fmt.Errorf("find master descriptor: %w", err)
	}
	if !ok {
		blobID, err := a.tx.InsertBlob(blob)
		if err != nil {
			return fmt.Errorf("insert master blob: %w", err)
		}
		masterID, err = a.tx.InsertArchive(rsproto.MasterIndex, uint16(idx.ID), crc, 0, idx.Revision, blobID)
		if err != nil {
			return fmt.Errorf("insert master descriptor: %w", err)
		}
	}
	if err := a.tx.LinkArchive(a.snapshot.ID, masterID); err != nil {
		return fmt.Errorf("link master descriptor: %w", err)
	}

	for _, ar := range idx.Archives {
		archiveID, ok, err := a.tx.FindArchiveByTuple(idx.ID, ar.ID, ar.CRC, ar.NameHash, ar.Revision)
		if err != nil {
			return fmt.Errorf("find archive descriptor (%d,%d): %w", idx.ID, ar.ID, err)
		}
		if !ok {
			blobID, ok := a.staging[rsproto.PackKey(idx.ID, ar.ID)]
			if !ok {
				return fmt.Errorf("%w: (%d,%d)", ErrMissingStagedData, idx.ID, ar.ID)
			}
			archiveID, err = a.tx.InsertArchive(idx.ID, ar.ID, ar.CRC, ar.NameHash, ar.Revision, blobID)
			if err != nil {
				return fmt.Errorf("insert archive descriptor (%d,%d): %w", idx.ID, ar.ID, err)
			}
		}
		if err := a.tx.LinkArchive(a.snapshot.ID, archiveID); err != nil {
			return fmt.Errorf("link archive descriptor (%d,%d): %w", idx.ID, ar.ID, err)
		}
	}
	return nil
}
