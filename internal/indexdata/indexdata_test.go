// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package indexdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	d := IndexData{
		Protocol: 6,
		Revision: 42,
		Named:    true,
		Sized:    true,
		Archives: []Archive{
			{ID: 0, NameHash: 111, CRC: 222, Revision: 1, CompressedSize: 10, DecompressedSize: 20},
			{ID: 1, NameHash: -5, CRC: 333, Revision: 2, CompressedSize: 30, DecompressedSize: 40},
		},
	}

	encoded := d.Encode()
	parsed, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.Equal(t, encoded, parsed.Encode())
}

func TestParseWithoutNamedOrSized(t *testing.T) {
	d := IndexData{
		Protocol: 5,
		Revision: 1,
		Archives: []Archive{
			{ID: 0, CRC: 1, Revision: 1},
			{ID: 5, CRC: 2, Revision: 1},
		},
	}
	parsed, err := Parse(d.Encode())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.Error(t, err)
}
