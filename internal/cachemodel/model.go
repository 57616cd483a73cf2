// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cachemodel holds the transient in-memory cache tree: a Store
// of Indexes, each holding its Archives. It is rebuilt from the most
// recent snapshot on every run (spec.md §3 "Lifecycles"). Deep class
// hierarchies from the original design collapse here into plain
// records addressed by id, per spec.md §9's design note — Archive no
// longer back-references its Index; callers pass the index id
// explicitly instead.
package cachemodel

import "github.com/cachesync/updater/internal/container"

// Archive is one leaf archive's known metadata, as held in memory
// during a run. ID is the archive's position/id within its Index.
type Archive struct {
	ID               uint16
	CRC              uint32
	Revision         uint32
	NameHash         int32
	CompressedSize   uint32
	DecompressedSize uint32
}

// Equal reports whether every field the diff in spec.md §4.2 step 5
// compares matches. ID is the lookup key, not a comparable field.
func (a Archive) Equal(o Archive) bool {
	return a.CRC == o.CRC &&
		a.Revision == o.Revision &&
		a.NameHash == o.NameHash &&
		a.CompressedSize == o.CompressedSize &&
		a.DecompressedSize == o.DecompressedSize
}

// Index is one logical grouping of archives (spec.md GLOSSARY). Its
// own metadata is itself stored as an archive under the synthetic
// index=255 namespace.
type Index struct {
	ID          uint8
	Protocol    uint8
	Revision    uint32
	Named       bool
	Sized       bool
	Compression container.Type

	// Archives is keyed by Archive.ID for O(1) lookup during diffing.
	Archives map[uint16]*Archive
}

// NewIndex returns an empty Index with an initialized Archives map.
func NewIndex(id uint8) *Index {
	return &Index{ID: id, Archives: make(map[uint16]*Archive)}
}

// Store is the whole in-memory cache tree for one run: every live
// Index, keyed by id.
type Store struct {
	Indexes map[uint8]*Index
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{Indexes: make(map[uint8]*Index)}
}
