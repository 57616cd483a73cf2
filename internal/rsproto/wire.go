// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rsproto defines the byte-exact wire layout of the upstream
// update protocol: the handshake, archive requests, and the framed
// archive response stream.
package rsproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// UpdateRequestType is the handshake packet type byte.
	UpdateRequestType = 15

	// HandshakeOK is the only handshake response byte that means the
	// client may proceed to CONNECTED.
	HandshakeOK = 0

	// MasterIndex is the synthetic index id denoting the master index
	// namespace (index = 255, archive = index id).
	MasterIndex = 255

	// MaxRequests is the protocol-mandated ceiling on outstanding
	// file requests per connection; exceeding it causes the server to
	// drop the connection.
	MaxRequests = 19

	frameSize         = 512
	firstFramePayload = frameSize
	contFramePayload  = frameSize - 1
	contMarker        = 0xFF
)

// HandshakeRequest is the 21-byte packet that opens a session:
// type(1) + revision(4) + key[4](16).
type HandshakeRequest struct {
	Revision int32
	Key      [4]int32
}

// Encode returns the 21-byte, big-endian wire form of the handshake
// request.
func (h HandshakeRequest) Encode() []byte {
	buf := make([]byte, 21)
	buf[0] = UpdateRequestType
	binary.BigEndian.PutUint32(buf[1:5], uint32(h.Revision))
	for i, k := range h.Key {
		off := 5 + i*4
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(k))
	}
	return buf
}

// ArchiveRequest is the 4-byte request for one archive's bytes:
// type(1) + index(1) + archive(2).
type ArchiveRequest struct {
	Urgent  bool
	Index   uint8
	Archive uint16
}

// Encode returns the 4-byte, big-endian wire form of the archive
// request.
func (r ArchiveRequest) Encode() []byte {
	buf := make([]byte, 4)
	if r.Urgent {
		buf[0] = 1
	}
	buf[1] = r.Index
	binary.BigEndian.PutUint16(buf[2:4], r.Archive)
	return buf
}

// ResponseHeader is the 8-byte header that precedes every archive
// response's framed payload.
type ResponseHeader struct {
	Index           uint8
	Archive         uint16
	CompressionType uint8
	CompressedSize  uint32
}

// ReadResponseHeader reads the 8-byte response header from r.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ResponseHeader{}, fmt.Errorf("read response header: %w", err)
	}
	return ResponseHeader{
		Index:           buf[0],
		Archive:         binary.BigEndian.Uint16(buf[1:3]),
		CompressionType: buf[3],
		CompressedSize:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// PayloadSize is the number of bytes that follow the header on the
// wire: the compression-type byte, the 4-byte size prefix, and the
// compressed data itself.
func (h ResponseHeader) PayloadSize() int {
	return int(h.CompressedSize) + 5
}

// ReadFramedPayload reads size bytes of payload transported in
// fixed-size 512-byte frames. The first frame carries up to 512
// payload bytes with no marker; every subsequent frame carries a
// leading continuation-marker byte (stripped) followed by up to 511
// payload bytes. Frames are always full size on the wire regardless
// of how many trailing bytes are meaningful.
func ReadFramedPayload(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	frame := make([]byte, frameSize)
	first := true
	for len(out) < size {
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		var chunk []byte
		if first {
			chunk = frame
			first = false
		} else {
			if frame[0] != contMarker {
				return nil, fmt.Errorf("malformed continuation frame: marker=0x%02x", frame[0])
			}
			chunk = frame[1:]
		}
		remaining := size - len(out)
		if remaining < len(chunk) {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// PackKey packs an (index, archive) pair into the 64-bit key used by
// the pending-request registry and the storage adapter's staging map.
func PackKey(index uint8, archive uint16) uint64 {
	return uint64(index)<<32 | uint64(archive)
}
