// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package indexdata parses and serializes the decompressed contents of
// an index's master entry: protocol/revision metadata plus the list of
// archives it contains. The wire layout here is this repo's own (the
// upstream archive container format is an external collaborator's
// contract, per spec.md §1), but the shape mirrors spec.md §2's
// `{protocol, revision, named-flag, sized-flag, []archive-descriptor}`.
package indexdata

import (
	"encoding/binary"
	"fmt"
)

const (
	flagNamed = 1 << 0
	flagSized = 1 << 1
)

// Archive describes one archive entry inside an index's master entry.
type Archive struct {
	ID               uint16
	NameHash         int32
	CRC              uint32
	Revision         uint32
	CompressedSize   uint32
	DecompressedSize uint32
}

// IndexData is the parsed contents of an index's master entry blob.
type IndexData struct {
	Protocol uint8
	Revision uint32
	Named    bool
	Sized    bool
	Archives []Archive
}

// Parse decodes a decompressed index blob.
func Parse(b []byte) (IndexData, error) {
	r := &reader{buf: b}
	d := IndexData{}
	d.Protocol = r.u8()
	d.Revision = r.u32()
	flags := r.u8()
	d.Named = flags&flagNamed != 0
	d.Sized = flags&flagSized != 0
	count := int(r.u16())
	d.Archives = make([]Archive, count)
	for i := range d.Archives {
		d.Archives[i].ID = r.u16()
	}
	if d.Named {
		for i := range d.Archives {
			d.Archives[i].NameHash = int32(r.u32())
		}
	}
	for i := range d.Archives {
		d.Archives[i].CRC = r.u32()
	}
	for i := range d.Archives {
		d.Archives[i].Revision = r.u32()
	}
	if d.Sized {
		for i := range d.Archives {
			d.Archives[i].CompressedSize = r.u32()
			d.Archives[i].DecompressedSize = r.u32()
		}
	}
	if r.err != nil {
		return IndexData{}, fmt.Errorf("parse index data: %w", r.err)
	}
	return d, nil
}

// Encode serializes the index data back into its wire form. Field
// order and presence exactly mirror Parse, so Encode(Parse(b)) == b
// for any valid b — required for byte-stable recompression during
// save() (spec.md §9).
func (d IndexData) Encode() []byte {
	w := &writer{}
	w.u8(d.Protocol)
	w.u32(d.Revision)
	var flags uint8
	if d.Named {
		flags |= flagNamed
	}
	if d.Sized {
		flags |= flagSized
	}
	w.u8(flags)
	w.u16(uint16(len(d.Archives)))
	for _, a := range d.Archives {
		w.u16(a.ID)
	}
	if d.Named {
		for _, a := range d.Archives {
			w.u32(uint32(a.NameHash))
		}
	}
	for _, a := range d.Archives {
		w.u32(a.CRC)
	}
	for _, a := range d.Archives {
		w.u32(a.Revision)
	}
	if d.Sized {
		for _, a := range d.Archives {
			w.u32(a.CompressedSize)
			w.u32(a.DecompressedSize)
		}
	}
	return w.buf
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("truncated index data at offset %d, need %d bytes", r.pos, n)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
