// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package container implements the outer compression envelope around
// an archive or index blob: the declared compression type, the
// compressed/decompressed bytes, and the CRC-32 of the compressed
// form. Parsing/decoding this envelope is an external collaborator's
// contract in production (the real archive container format is out of
// scope for this core); this package exists so the core is runnable
// end to end, and so recompression during save() is byte-stable,
// which master-index deduplication depends on.
package container

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
)

// Type identifies a container's compression scheme.
type Type uint8

const (
	// None means the payload is stored uncompressed.
	None Type = 0
	// Gzip compresses with stdlib compress/gzip.
	Gzip Type = 1
	// LZ4 compresses with github.com/pierrec/lz4/v4.
	LZ4 Type = 2
)

// Decoded is the result of unwrapping a container: the decompressed
// bytes, the declared type, the CRC-32 of the compressed bytes as
// received, and the container-level revision field (-1 when absent,
// as is always the case for per-index containers — see spec.md §4.2).
type Decoded struct {
	Data     []byte
	Type     Type
	CRC      uint32
	Revision int32
}

// Codec decompresses and (re)compresses container payloads. Production
// deployments plug in the real archive container format here; this
// package's implementations are the default, byte-stable ones used
// when no other codec is configured.
type Codec interface {
	Decode(compressed []byte, typ Type) ([]byte, error)
	Encode(data []byte, typ Type) ([]byte, error)
}

// Default is the Codec used throughout this repo: gzip and lz4,
// both invoked with one pinned configuration so that compressing the
// same bytes twice always yields the same compressed bytes. Variable
// output (e.g. gzip's default mtime/OS header, or a non-deterministic
// compression level) would break dedup: two re-saves of an unchanged
// index would mint a new ArchiveDescriptor and Blob every time.
var Default Codec = defaultCodec{}

type defaultCodec struct{}

func (defaultCodec) Decode(compressed []byte, typ Type) ([]byte, error) {
	switch typ {
	case None:
		return compressed, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case LZ4:
		zr := lz4.NewReader(bytes.NewReader(compressed))
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unknown container type %d", typ)
	}
}

func (defaultCodec) Encode(data []byte, typ Type) ([]byte, error) {
	var buf bytes.Buffer
	switch typ {
	case None:
		return append([]byte(nil), data...), nil
	case Gzip:
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		zw.Name = ""
		zw.Comment = ""
		zw.ModTime = time.Time{}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("lz4 options: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown container type %d", typ)
	}
}

// CRC32 computes the CRC-32/IEEE checksum used throughout this core to
// verify downloaded bytes against a descriptor's advertised crc. The
// protocol mandates this exact checksum; there is no library choice to
// make here, only the algorithm the wire format specifies.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Unwrap parses a blob exactly as it is transported and stored:
// [compressionType:1][size:4][compressed data], decoding it with
// codec. This is the wire layout spec.md §4.1 specifies for archive
// responses, and it is also how this core persists blobs — so the
// same bytes round-trip straight from the socket into a Blob row.
func Unwrap(codec Codec, blob []byte) (Decoded, error) {
	if len(blob) < 5 {
		return Decoded{}, fmt.Errorf("container: blob too short (%d bytes)", len(blob))
	}
	typ := Type(blob[0])
	size := binary.BigEndian.Uint32(blob[1:5])
	if int(size) > len(blob)-5 {
		return Decoded{}, fmt.Errorf("container: declared size %d exceeds available %d", size, len(blob)-5)
	}
	compressed := blob[5 : 5+size]
	data, err := codec.Decode(compressed, typ)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Data: data, Type: typ, CRC: CRC32(blob), Revision: -1}, nil
}

// Wrap compresses data with typ and returns the same
// [compressionType:1][size:4][compressed data] layout that Unwrap
// parses, ready to be both sent as CRC input and stored as a Blob.
func Wrap(codec Codec, data []byte, typ Type) ([]byte, error) {
	compressed, err := codec.Encode(data, typ)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 5, 5+len(compressed))
	out[0] = byte(typ)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(compressed)))
	out = append(out, compressed...)
	return out, nil
}
