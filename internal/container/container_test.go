// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, "+
		"the quick brown fox jumps over the lazy dog")

	for _, typ := range []Type{None, Gzip, LZ4} {
		encoded, err := Default.Encode(data, typ)
		require.NoError(t, err)

		decoded, err := Default.Decode(encoded, typ)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	data := []byte("deterministic recompression is required for dedup across snapshots")

	for _, typ := range []Type{Gzip, LZ4} {
		a, err := Default.Encode(data, typ)
		require.NoError(t, err)
		b, err := Default.Encode(data, typ)
		require.NoError(t, err)
		assert.Equal(t, a, b, "encoding type %v must be byte-stable across calls", typ)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	data := []byte("archive payload bytes, long enough to exercise compression a bit")

	for _, typ := range []Type{None, Gzip, LZ4} {
		blob, err := Wrap(Default, data, typ)
		require.NoError(t, err)

		decoded, err := Unwrap(Default, blob)
		require.NoError(t, err)
		assert.Equal(t, data, decoded.Data)
		assert.Equal(t, typ, decoded.Type)
		assert.Equal(t, CRC32(blob), decoded.CRC)
		assert.Equal(t, int32(-1), decoded.Revision)
	}
}

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0), CRC32(nil))
	assert.NotEqual(t, CRC32([]byte("a")), CRC32([]byte("b")))
}
