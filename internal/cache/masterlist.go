// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"encoding/binary"
	"fmt"
)

// remoteIndexSummary is one record of the master list fetched from
// (index=255, archive=255): spec.md §4.1 "8-byte records (crc, revision)
// in order; the record position is the index id".
type remoteIndexSummary struct {
	ID       uint8
	CRC      uint32
	Revision uint32
}

const masterListRecordSize = 8

// parseMasterList decodes the flat (crc, revision) array the master
// list carries, one record per known index id.
func parseMasterList(data []byte) ([]remoteIndexSummary, error) {
	if len(data)%masterListRecordSize != 0 {
		return nil, fmt.Errorf("master list: length %d is not a multiple of %d", len(data), masterListRecordSize)
	}
	n := len(data) / masterListRecordSize
	out := make([]remoteIndexSummary, n)
	for i := 0; i < n; i++ {
		off := i * masterListRecordSize
		out[i] = remoteIndexSummary{
			ID:       uint8(i),
			CRC:      binary.BigEndian.Uint32(data[off : off+4]),
			Revision: binary.BigEndian.Uint32(data[off+4 : off+8]),
		}
	}
	return out, nil
}
